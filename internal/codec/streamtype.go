// Package codec identifies the PMT stream types the splicer recognises.
package codec

// StreamType is the 8-bit "stream_type" field of a PMT elementary stream
// descriptor (ISO/IEC 13818-1 Table 2-34 plus the ATSC/DVB AC-3 registration).
type StreamType uint8

// Recognised stream types.
const (
	StreamTypeMPEG1Video StreamType = 0x01
	StreamTypeMPEG2Video StreamType = 0x02
	StreamTypeMPEGAudio  StreamType = 0x03 // MPEG-1/2 audio (mp2/mp3)
	StreamTypeAAC        StreamType = 0x0F // ADTS AAC
	StreamTypeH264       StreamType = 0x1B
	StreamTypeHEVC       StreamType = 0x24
	StreamTypeAC3        StreamType = 0x81
)

// videoStreamTypes is the set of stream types the SpliceDetector can find
// IDR/SPS/PPS NAL units in. Order matters: StreamProbe picks the first PMT
// entry whose type is in this set.
var videoStreamTypes = []StreamType{StreamTypeH264, StreamTypeHEVC}

// audioStreamTypes is the set of stream types StreamProbe accepts as the
// program's audio elementary stream.
var audioStreamTypes = []StreamType{StreamTypeAAC, StreamTypeMPEGAudio, StreamTypeAC3}

// IsVideo reports whether st is a recognised video stream type.
func (st StreamType) IsVideo() bool {
	for _, v := range videoStreamTypes {
		if v == st {
			return true
		}
	}
	return false
}

// IsAudio reports whether st is a recognised audio stream type.
func (st StreamType) IsAudio() bool {
	for _, a := range audioStreamTypes {
		if a == st {
			return true
		}
	}
	return false
}

// IsH265 reports whether st uses HEVC NAL unit framing rather than H.264's.
func (st StreamType) IsH265() bool {
	return st == StreamTypeHEVC
}

func (st StreamType) String() string {
	switch st {
	case StreamTypeMPEG1Video:
		return "mpeg1video"
	case StreamTypeMPEG2Video:
		return "mpeg2video"
	case StreamTypeMPEGAudio:
		return "mpegaudio"
	case StreamTypeAAC:
		return "aac"
	case StreamTypeH264:
		return "h264"
	case StreamTypeHEVC:
		return "hevc"
	case StreamTypeAC3:
		return "ac3"
	default:
		return "unknown"
	}
}

package splice

import (
	"bytes"
	"fmt"

	"github.com/avswitch/splicer/internal/codec"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// injectionStreamID is the PES stream_id used for the synthetic SPS/PPS
// carrier PES. 0xE0 is the first video stream_id per spec.md §6.
const injectionStreamID = 0xE0

// Splicer owns the output-global timeline and emits a continuous stream:
// it rebases PTS/PCR onto a single timeline, regenerates continuity
// counters per output PID, and synthesizes the PAT/PMT/SPS+PPS-PES that
// must precede every spliced segment. One Splicer per Orchestrator,
// touched only from the Orchestrator's thread — no locking. See
// spec.md §4.5.
type Splicer struct {
	globalPTSOffset uint64
	globalPCROffset uint64
	cc              map[uint16]byte
}

// NewSplicer constructs a Splicer with a zeroed timeline; call Initialize
// before emitting the first segment.
func NewSplicer() *Splicer {
	return &Splicer{cc: make(map[uint16]byte)}
}

// Initialize sets the starting offsets for the output timeline.
// alignmentOffset27MHz is normally the first source's
// PCRPTSAlignmentOffset (a 90kHz value) times 300; PCR nominally arrives ahead of the PTS it
// schedules, so only the PTS side carries the initial margin and
// global_pcr_offset always starts at zero.
func (s *Splicer) Initialize(alignmentOffset27MHz int64) {
	if alignmentOffset27MHz < 0 {
		alignmentOffset27MHz = 0
	}
	s.globalPTSOffset = uint64(alignmentOffset27MHz) / 300
	s.globalPCROffset = 0
}

// GlobalPTSOffset returns the output PTS timeline's current zero point.
func (s *Splicer) GlobalPTSOffset() uint64 { return s.globalPTSOffset }

// GlobalPCROffset returns the output PCR timeline's current zero point.
func (s *Splicer) GlobalPCROffset() uint64 { return s.globalPCROffset }

// Rebase translates pkt's PCR/PTS/DTS from the source timeline
// [ptsBase, pcrBase] onto the output timeline in place. Packets carrying
// neither are left untouched.
func (s *Splicer) Rebase(pkt *Packet, ptsBase, pcrBase uint64) {
	if pcr, ok := pkt.PCR(); ok {
		// SetPCR masks the base portion to 33 bits and zeroes the
		// extension; the subtract-then-add stays in the same
		// base*300+ext units PCR() returns, so no further masking is
		// needed here.
		newPCR := uint64(int64(pcr) - int64(pcrBase) + int64(s.globalPCROffset))
		pkt.SetPCR(newPCR)
	}
	pkt.RewriteTimestamps(func(ts uint64) uint64 {
		return uint64(int64(ts)-int64(ptsBase)+int64(s.globalPTSOffset)) & 0x1FFFFFFFF
	})
}

// NormalizePID rewrites pkt's PID to target, per spec.md §6's output PID
// normalization. When the source already uses target (the common case
// when primary and fallback share PIDs by design), this is a no-op, the
// same shortcut the original's PID mapper takes.
func (s *Splicer) NormalizePID(pkt *Packet, target uint16) {
	if pkt.PID() != target {
		pkt.SetPID(target)
	}
}

// LoopBoundaryThreshold is the minimum backward PTS jump, in 90kHz units,
// treated as a source restarting its own timeline (e.g. a file ingress
// looping internally) rather than ordinary B-frame reordering or clock
// drift. Half the 33-bit PTS domain comfortably separates a genuine
// restart from any bounded reorder window.
const LoopBoundaryThreshold = 1 << 32

// DetectLoopBoundary reports whether currentPTS represents a source-side
// loop restart relative to lastPTS, per TimestampManager::detectLoopBoundary
// in the original implementation (SUPPLEMENTED FEATURES). The Orchestrator
// treats a detected boundary as an Exit/Enter seam rather than rebasing
// across the jump.
func (s *Splicer) DetectLoopBoundary(lastPTS, currentPTS uint64) bool {
	if currentPTS >= lastPTS {
		return false
	}
	return lastPTS-currentPTS > LoopBoundaryThreshold
}

// FixContinuity overwrites pkt's continuity counter with the next value
// from the per-PID map, when the packet carries payload.
func (s *Splicer) FixContinuity(pkt *Packet) {
	if !pkt.HasPayload() {
		return
	}
	pid := pkt.PID()
	cc := s.cc[pid]
	pkt.SetContinuityCounter(cc)
	s.cc[pid] = (cc + 1) & 0x0F
}

// AdvanceOffsets is called once a segment has finished streaming: the
// next segment's rebased values land immediately after the last ones
// this segment emitted, preserving a continuous timeline across the cut.
func (s *Splicer) AdvanceOffsets(maxPTSObserved, maxPCRObserved uint64) {
	s.globalPTSOffset = maxPTSObserved & 0x1FFFFFFFF
	s.globalPCROffset = maxPCRObserved
}

// videoCodecFor maps a recognised video stream type to the mediacommon
// codec descriptor used only to synthesize PAT/PMT bytes (see PATPMT).
func videoCodecFor(st codec.StreamType) mpegts.Codec {
	if st.IsH265() {
		return &mpegts.CodecH265{}
	}
	return &mpegts.CodecH264{}
}

// audioCodecFor maps a recognised audio stream type to its mediacommon
// codec descriptor for PAT/PMT synthesis.
func audioCodecFor(st codec.StreamType) mpegts.Codec {
	switch st {
	case codec.StreamTypeAC3:
		return &mpegts.CodecAC3{}
	case codec.StreamTypeMPEGAudio:
		return &mpegts.CodecMPEG1Audio{}
	default:
		return &mpegts.CodecMPEG4Audio{}
	}
}

// PATPMT synthesizes the current PAT and PMT as TS packets under the
// canonical output PIDs, using mediacommon's mpegts.Writer purely as a
// table encoder (a throwaway Writer over an in-memory buffer, the same
// "tempMuxer"+WriteTables pattern the teacher uses to hand PAT/PMT to
// late-joining clients) rather than as the packet pipeline itself: the
// Splicer needs byte-exact control over every other packet, but table
// bytes are exactly what WriteTables produces for a stable two-track
// program, so there is no reason to hand-roll PSI encoding here.
func (s *Splicer) PATPMT(videoPID, audioPID uint16, hasAudio bool, videoType, audioType codec.StreamType) ([]Packet, error) {
	tracks := []*mpegts.Track{{PID: videoPID, Codec: videoCodecFor(videoType)}}
	if hasAudio {
		tracks = append(tracks, &mpegts.Track{PID: audioPID, Codec: audioCodecFor(audioType)})
	}
	var buf bytes.Buffer
	w := &mpegts.Writer{W: &buf, Tracks: tracks}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer for PAT/PMT: %w", err)
	}
	if _, err := w.WriteTables(); err != nil {
		return nil, fmt.Errorf("writing PAT/PMT tables: %w", err)
	}
	pkts, err := splitPackets(buf.Bytes())
	if err != nil {
		return nil, err
	}
	for i := range pkts {
		s.FixContinuity(&pkts[i])
	}
	return pkts, nil
}

// splitPackets slices a byte buffer produced by mediacommon's Writer into
// our Packet type, validating 188-byte alignment.
func splitPackets(buf []byte) ([]Packet, error) {
	if len(buf)%PacketSize != 0 {
		return nil, fmt.Errorf("splice: mediacommon table output %d bytes is not a multiple of %d", len(buf), PacketSize)
	}
	out := make([]Packet, len(buf)/PacketSize)
	for i := range out {
		copy(out[i][:], buf[i*PacketSize:(i+1)*PacketSize])
	}
	return out, nil
}

// SPSPPSPES synthesizes the PES packets carrying SPS then PPS on
// videoPID, PTS-only header, fragmented into as many TS packets as
// needed with a PUSI on the first. A trailing short packet is padded
// via an adaptation field with 0xFF stuffing to fill 188 bytes. See
// spec.md §4.5 and §6.
func (s *Splicer) SPSPPSPES(videoPID uint16, sps, pps []byte, pts uint64) []Packet {
	payload := make([]byte, 0, len(sps)+len(pps)+8)
	payload = append(payload, 0x00, 0x00, 0x01)
	payload = append(payload, sps...)
	payload = append(payload, 0x00, 0x00, 0x01)
	payload = append(payload, pps...)

	const optionalHeaderLen = 3 + 5 // flags/marker bytes + 5-byte PTS field
	pes := make([]byte, 0, 9+len(payload))
	pes = append(pes, 0x00, 0x00, 0x01, injectionStreamID)
	length := optionalHeaderLen + len(payload)
	pes = append(pes, byte(length>>8), byte(length))
	pes = append(pes, 0x80, 0x80, 0x05)
	ptsField := make([]byte, 5)
	writeTimestampField(ptsField, pts, 0x2)
	pes = append(pes, ptsField...)
	pes = append(pes, payload...)

	pkts := packetizePUSI(videoPID, pes)
	for i := range pkts {
		s.FixContinuity(&pkts[i])
	}
	return pkts
}

// packetizePUSI fragments data into 188-byte TS packets on pid, setting
// PUSI on the first packet. A short final packet is padded to 188 bytes
// via an adaptation field of 0xFF stuffing bytes. Continuity counters are
// left at zero; callers fix them up via Splicer.FixContinuity.
func packetizePUSI(pid uint16, data []byte) []Packet {
	const bodyLen = PacketSize - 4
	var out []Packet
	for off := 0; off < len(data); {
		var pkt Packet
		pkt[0] = SyncByte
		pkt[1] = byte(pid >> 8 & 0x1F)
		if off == 0 {
			pkt[1] |= 0x40 // PUSI
		}
		pkt[2] = byte(pid)

		remaining := len(data) - off
		if remaining >= bodyLen {
			pkt[3] = 0x10 // adaptation_field_control = payload only
			copy(pkt[4:], data[off:off+bodyLen])
			off += bodyLen
		} else {
			stuffLen := bodyLen - remaining
			pkt[3] = 0x30 // adaptation_field_control = adaptation + payload
			afLen := stuffLen - 1
			pkt[4] = byte(afLen)
			if afLen > 0 {
				pkt[5] = 0x00 // no adaptation flags set
				for i := 6; i < 5+afLen; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[5+afLen:], data[off:])
			off = len(data)
		}
		out = append(out, pkt)
	}
	return out
}

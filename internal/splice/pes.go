package splice

// pesAccumulator reassembles PES packets from a sequence of TS packets
// sharing one PID, resetting whenever a new PUSI packet arrives. Adapted
// from the PES/NAL accumulation pattern in the teacher's video_params.go
// and ts_demuxer.go, but operating directly on raw PES payload bytes
// (rather than handing off to a full ES demuxer) since the Splicer needs
// byte-exact retention of NAL units, not decoded access units.
type pesAccumulator struct {
	buf        []byte
	startIndex int
	active     bool
}

// feed appends pkt's payload. If pkt starts a new PES (PUSI), the
// previously accumulated PES (if any) is returned as complete, along with
// the ring-buffer index at which it began.
func (a *pesAccumulator) feed(pkt *Packet, index int) (completed []byte, completedIndex int, hasCompleted bool) {
	payload := pkt.Payload()
	if payload == nil {
		return nil, 0, false
	}
	if pkt.PUSI() {
		if a.active && len(a.buf) > 0 {
			completed = a.buf
			completedIndex = a.startIndex
			hasCompleted = true
		}
		a.buf = append([]byte(nil), payload...)
		a.startIndex = index
		a.active = true
		return completed, completedIndex, hasCompleted
	}
	if a.active {
		a.buf = append(a.buf, payload...)
	}
	return nil, 0, false
}

// pesPayload strips the PES header (start code, stream id, packet
// length, flags, optional fields) from a complete PES, returning the
// elementary-stream bytes that follow it.
func pesPayload(pes []byte) []byte {
	if !pesStartCodeValid(pes) || len(pes) < 9 {
		return nil
	}
	headerDataLen := int(pes[8])
	off := 9 + headerDataLen
	if off > len(pes) {
		return nil
	}
	return pes[off:]
}

// nalUnit is a NAL unit extracted from an Annex B byte stream: its type
// and its body (NAL header included, start code excluded), matching the
// retention rule spec.md §4.3 requires for sps/pps capture.
type nalUnit struct {
	typ  byte
	body []byte
}

// splitAnnexB scans es for 3- or 4-byte start codes and returns the NAL
// units between them, adapted directly from the teacher's
// video_params.go ParseAnnexBNALUs.
func splitAnnexB(es []byte) []nalUnit {
	var units []nalUnit
	starts := findStartCodes(es)
	if len(starts) == 0 {
		return nil
	}
	for i, s := range starts {
		bodyStart := s.offset + s.length
		var bodyEnd int
		if i+1 < len(starts) {
			bodyEnd = starts[i+1].offset
		} else {
			bodyEnd = len(es)
		}
		if bodyStart >= bodyEnd {
			continue
		}
		body := es[bodyStart:bodyEnd]
		units = append(units, nalUnit{typ: body[0], body: body})
	}
	return units
}

type startCode struct {
	offset int
	length int
}

func findStartCodes(es []byte) []startCode {
	var out []startCode
	for i := 0; i+3 <= len(es); i++ {
		if es[i] != 0x00 || es[i+1] != 0x00 {
			continue
		}
		if es[i+2] == 0x01 {
			out = append(out, startCode{offset: i, length: 3})
			i += 2
			continue
		}
		if i+4 <= len(es) && es[i+2] == 0x00 && es[i+3] == 0x01 {
			out = append(out, startCode{offset: i, length: 4})
			i += 3
		}
	}
	return out
}

// h264NALType returns the low 5 bits of an H.264 NAL header byte.
func h264NALType(header byte) byte { return header & 0x1F }

// h265NALType returns bits 6-1 of an H.265 NAL header byte.
func h265NALType(header byte) byte { return (header >> 1) & 0x3F }

const (
	h264NALTypeIDR = 5
	h264NALTypeSPS = 7
	h264NALTypePPS = 8
)

// h265 NAL unit types per the HEVC spec (Table 7-1): slice types 16-21
// are all IRAP (keyframe) pictures; 32/33/34 are VPS/SPS/PPS.
const (
	h265NALTypeIRAPStart = 16
	h265NALTypeIRAPEnd   = 21
	h265NALTypeVPS       = 32
	h265NALTypeSPS       = 33
	h265NALTypePPS       = 34
)

// classifyNAL reports whether a NAL unit is an IDR/keyframe, VPS
// (H.265 only), SPS or PPS, accounting for the different header bit
// layouts of H.264 and H.265. H.264 has no VPS; isVPS is always false.
func classifyNAL(u nalUnit, isH265 bool) (isIDR, isVPS, isSPS, isPPS bool) {
	if isH265 {
		t := h265NALType(u.typ)
		return t >= h265NALTypeIRAPStart && t <= h265NALTypeIRAPEnd, t == h265NALTypeVPS, t == h265NALTypeSPS, t == h265NALTypePPS
	}
	t := h264NALType(u.typ)
	return t == h264NALTypeIDR, false, t == h264NALTypeSPS, t == h264NALTypePPS
}

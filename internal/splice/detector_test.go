package splice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildPESPacket wraps an elementary-stream payload in a minimal PES
// header (no PTS/DTS) and returns the TS packets needed to carry it,
// with PUSI set only on the first.
func buildPESPacket(pid uint16, streamID byte, es []byte) []Packet {
	pes := []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00, 0x80, 0x00, 0x00}
	pes = append(pes, es...)

	var packets []Packet
	for len(pes) > 0 {
		var p Packet
		p[0] = SyncByte
		p[1] = byte(pid>>8) & 0x1F
		p[2] = byte(pid)
		p[3] = 0x10 // payload only
		if len(packets) == 0 {
			p[1] |= 0x40 // PUSI
		}
		n := copy(p[4:], pes)
		pes = pes[n:]
		packets = append(packets, p)
	}
	return packets
}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func TestSpliceDetectorPinsFirstIDRWithAudio(t *testing.T) {
	d := NewSpliceDetector(false, true)

	sps := []byte{0x67, 0xAA, 0xBB}
	pps := []byte{0x68, 0xCC}
	idr := []byte{0x65, 0x01, 0x02, 0x03}

	// First video PES: SPS/PPS/IDR. The detector only learns about a
	// completed PES when the *next* PUSI packet arrives, so feed a
	// trailing marker PES afterwards.
	video := buildPESPacket(0x100, 0xE0, annexB(sps, pps, idr))
	marker := buildPESPacket(0x100, 0xE0, annexB([]byte{0x61})) // non-IDR slice

	idx := 0
	for _, p := range video {
		d.ObserveVideo(&p, idx)
		idx++
	}
	require.Equal(t, -1, d.LatestIDRIndex(), "IDR not recognised until the PES closes")

	for _, p := range marker {
		d.ObserveVideo(&p, idx)
		idx++
	}
	require.Equal(t, 0, d.LatestIDRIndex())
	require.False(t, d.Anchor().Ready(), "audio sync not yet observed")

	audioPkt := buildPESPacket(0x101, 0xC0, []byte{0xFF, 0xF1, 0x00})[0]
	d.ObserveAudio(&audioPkt, idx)

	anchor := d.Anchor()
	require.True(t, anchor.Ready())
	require.Equal(t, 0, anchor.IDRIndex)
	require.Equal(t, idx, anchor.AudioSyncIndex)
	require.Equal(t, sps, anchor.SPS)
	require.Equal(t, pps, anchor.PPS)
}

func TestSpliceDetectorNoAudioPID(t *testing.T) {
	d := NewSpliceDetector(false, false)
	idr := []byte{0x65, 0x01}
	video := buildPESPacket(0x100, 0xE0, annexB(idr))
	marker := buildPESPacket(0x100, 0xE0, annexB([]byte{0x61}))

	idx := 0
	for _, p := range append(video, marker...) {
		d.ObserveVideo(&p, idx)
		idx++
	}
	anchor := d.Anchor()
	require.True(t, anchor.Ready())
	require.Equal(t, anchor.IDRIndex, anchor.AudioSyncIndex)
}

func TestSpliceDetectorDegradeAudioSync(t *testing.T) {
	d := NewSpliceDetector(false, true)
	idr := []byte{0x65, 0x01}
	video := buildPESPacket(0x100, 0xE0, annexB(idr))
	marker := buildPESPacket(0x100, 0xE0, annexB([]byte{0x61}))
	idx := 0
	for _, p := range append(video, marker...) {
		d.ObserveVideo(&p, idx)
		idx++
	}
	require.False(t, d.Anchor().Ready())
	d.DegradeAudioSync()
	anchor := d.Anchor()
	require.True(t, anchor.Ready())
	require.Equal(t, anchor.IDRIndex, anchor.AudioSyncIndex)
}

func TestSpliceDetectorResetKeepsParamSets(t *testing.T) {
	d := NewSpliceDetector(false, false)
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	idr := []byte{0x65, 0x01}
	video := buildPESPacket(0x100, 0xE0, annexB(sps, pps, idr))
	marker := buildPESPacket(0x100, 0xE0, annexB([]byte{0x61}))
	idx := 0
	for _, p := range append(video, marker...) {
		d.ObserveVideo(&p, idx)
		idx++
	}
	require.True(t, d.Anchor().Ready())

	d.Reset()
	require.False(t, d.Anchor().Ready())
	require.Equal(t, sps, d.Anchor().SPS)
	require.Equal(t, pps, d.Anchor().PPS)
}

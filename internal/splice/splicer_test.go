package splice

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avswitch/splicer/internal/codec"
)

func TestSplicerRebaseTranslatesPTSAndPCR(t *testing.T) {
	s := NewSplicer()
	s.Initialize(0)

	var pkt Packet
	pkt[0] = SyncByte
	pkt[3] = 0x30 // adaptation + payload
	pkt[4] = 7    // adaptation field length
	pkt[5] = 0x10 // PCR flag
	pkt.SetPCR(1000 * 300)

	s.Rebase(&pkt, 0, 1000*300)
	pcr, ok := pkt.PCR()
	require.True(t, ok)
	require.Equal(t, uint64(0), pcr)
}

func TestSplicerNormalizePID(t *testing.T) {
	s := NewSplicer()
	var pkt Packet
	pkt[0] = SyncByte
	pkt.SetPID(0x200)

	s.NormalizePID(&pkt, 0x200)
	require.Equal(t, uint16(0x200), pkt.PID(), "no-op when already the target PID")

	s.NormalizePID(&pkt, 0x100)
	require.Equal(t, uint16(0x100), pkt.PID())
}

func TestSplicerDetectLoopBoundary(t *testing.T) {
	s := NewSplicer()

	require.False(t, s.DetectLoopBoundary(1000, 2000), "forward movement is never a loop boundary")
	require.False(t, s.DetectLoopBoundary(1000, 999), "small backward movement is ordinary reordering")
	require.True(t, s.DetectLoopBoundary(uint64(LoopBoundaryThreshold)+1000, 1000))
}

func TestSplicerFixContinuityOnlyTouchesPayloadPackets(t *testing.T) {
	s := NewSplicer()

	var withPayload Packet
	withPayload[0] = SyncByte
	withPayload[3] = 0x10
	withPayload.SetPID(0x100)
	withPayload.SetContinuityCounter(5)

	s.FixContinuity(&withPayload)
	require.Equal(t, byte(0), withPayload.ContinuityCounter())
	s.FixContinuity(&withPayload)
	require.Equal(t, byte(1), withPayload.ContinuityCounter())

	var adaptationOnly Packet
	adaptationOnly[0] = SyncByte
	adaptationOnly[3] = 0x20 // adaptation field only, no payload
	adaptationOnly.SetContinuityCounter(9)

	s.FixContinuity(&adaptationOnly)
	require.Equal(t, byte(9), adaptationOnly.ContinuityCounter(), "continuity counter is untouched without a payload")
}

func TestSplicerAdvanceOffsets(t *testing.T) {
	s := NewSplicer()
	s.Initialize(0)
	s.AdvanceOffsets(12345, 67890)
	require.Equal(t, uint64(12345), s.GlobalPTSOffset())
	require.Equal(t, uint64(67890), s.GlobalPCROffset())
}

func TestSplicerPATPMT(t *testing.T) {
	s := NewSplicer()
	pkts, err := s.PATPMT(0x100, 0x101, true, codec.StreamTypeH264, codec.StreamTypeAAC)
	require.NoError(t, err)
	require.NotEmpty(t, pkts)
	for _, p := range pkts {
		require.Equal(t, byte(SyncByte), p[0])
	}
}

func TestSplicerPATPMTNoAudio(t *testing.T) {
	s := NewSplicer()
	pkts, err := s.PATPMT(0x100, 0x101, false, codec.StreamTypeH264, codec.StreamTypeAAC)
	require.NoError(t, err)
	require.NotEmpty(t, pkts)
}

func TestSplicerSPSPPSPES(t *testing.T) {
	s := NewSplicer()
	sps := []byte{0x67, 0x01, 0x02, 0x03}
	pps := []byte{0x68, 0x04}

	pkts := s.SPSPPSPES(0x100, sps, pps, 90000)
	require.NotEmpty(t, pkts)
	require.True(t, pkts[0].PUSI())
	require.Equal(t, uint16(0x100), pkts[0].PID())
	for i, p := range pkts[1:] {
		require.False(t, p.PUSI(), "only the first packet carries PUSI, index %d", i+1)
	}
	// continuity counters should be sequential across the fragmented PES
	for i := 1; i < len(pkts); i++ {
		require.Equal(t, (pkts[i-1].ContinuityCounter()+1)&0x0F, pkts[i].ContinuityCounter())
	}
}

func TestSplicerSPSPPSPESPadsShortFinalPacket(t *testing.T) {
	s := NewSplicer()
	pkts := s.SPSPPSPES(0x100, []byte{0x67}, []byte{0x68}, 1)
	require.Len(t, pkts, 1, "a short SPS/PPS payload fits in a single padded packet")
	require.True(t, pkts[0].HasAdaptation())
}

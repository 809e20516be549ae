package splice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func alignedPacket(pid uint16, cc byte) Packet {
	var p Packet
	p[0] = SyncByte
	p[1] = byte(pid >> 8 & 0x1F)
	p[2] = byte(pid)
	p[3] = 0x10 | (cc & 0x0F) // payload only, no adaptation
	return p
}

func TestReassemblerAlignment(t *testing.T) {
	r := NewReassembler(0, 0)
	var stream []byte
	for i := 0; i < 10; i++ {
		p := alignedPacket(0x100, byte(i))
		stream = append(stream, p[:]...)
	}
	r.AddBytes(stream)
	out := r.DrainPackets()
	require.Len(t, out, 10)
	for i, p := range out {
		require.True(t, p.Valid())
		require.EqualValues(t, i, p.ContinuityCounter())
	}
}

// TestReassemblerSyncRecovery reproduces Scenario 6: 2 bytes garbage + 50
// aligned packets + 3 bytes garbage must yield 50 packets, 5 bytes
// discarded, zero sync losses.
func TestReassemblerSyncRecovery(t *testing.T) {
	r := NewReassembler(0, 0)
	chunk := []byte{0x00, 0x11}
	for i := 0; i < 50; i++ {
		p := alignedPacket(0x101, byte(i%16))
		chunk = append(chunk, p[:]...)
	}
	chunk = append(chunk, 0xAA, 0xBB, 0xCC)

	r.AddBytes(chunk)
	out := r.DrainPackets()

	require.Len(t, out, 50)
	stats := r.Stats()
	require.EqualValues(t, 5, stats.BytesDiscarded)
	require.EqualValues(t, 0, stats.SyncLosses)
	require.EqualValues(t, 50, stats.PacketsOutput)
}

func TestReassemblerOverflowPreservesAlignment(t *testing.T) {
	r := NewReassembler(0, 6*PacketSize) // cap = 6 packets worth of bytes
	var stream []byte
	for i := 0; i < 20; i++ {
		p := alignedPacket(0x100, byte(i%16))
		stream = append(stream, p[:]...)
	}
	// Feed it all at once with a cap well below the total. AddBytes runs
	// the state machine before it applies the cap, so the stream syncs and
	// drains before the cap is checked.
	r.AddBytes(stream)
	out := r.DrainPackets()
	// Every packet actually emitted must still be sync-valid; overflow must
	// never desynchronise the stream.
	for _, p := range out {
		require.True(t, p.Valid())
	}
	require.True(t, len(out) > 0)
}

// TestReassemblerCapDiscardsWholePackets exercises enforceCap directly: a
// Synced reassembler whose buffered-but-undrained bytes exceed the cap
// must trim in whole 188-byte multiples, never leaving a misaligned
// remainder.
func TestReassemblerCapDiscardsWholePackets(t *testing.T) {
	r := NewReassembler(0, 5*PacketSize)
	r.state = stateSynced
	for i := 0; i < 9; i++ {
		p := alignedPacket(0x100, byte(i%16))
		r.buf = append(r.buf, p[:]...)
	}
	r.enforceCap()
	require.Zero(t, len(r.buf)%PacketSize)
	require.LessOrEqual(t, len(r.buf), 5*PacketSize)
	require.True(t, isValidHeader(r.buf, 0))
}

func TestReassemblerFeedInPieces(t *testing.T) {
	r := NewReassembler(1, 0)
	p1 := alignedPacket(0x100, 0)
	p2 := alignedPacket(0x100, 1)
	full := append(append([]byte{}, p1[:]...), p2[:]...)

	// Split the combined buffer at an arbitrary, non-packet-aligned offset.
	r.AddBytes(full[:100])
	require.Empty(t, r.DrainPackets())
	r.AddBytes(full[100:])
	out := r.DrainPackets()
	require.Len(t, out, 2)
}

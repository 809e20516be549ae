package splice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pktWithPTS(pid uint16, pts uint64) Packet {
	var p Packet
	p[0] = SyncByte
	p.SetPID(pid)
	p[3] = 0x10
	payload := make([]byte, PacketSize-4)
	payload[0], payload[1], payload[2] = 0x00, 0x00, 0x01
	payload[3] = 0xE0
	payload[6] = 0x80
	payload[7] = 0x80
	payload[8] = 0x05
	writeTimestampField(payload[9:14], pts, 0x2)
	copy(p[4:], payload)
	return p
}

func TestMonitorObserveNoViolationOnForwardPTS(t *testing.T) {
	m := NewMonitor(0, nil)
	p1 := pktWithPTS(0x100, 1000)
	p2 := pktWithPTS(0x100, 2000)
	m.Observe(&p1)
	m.Observe(&p2)

	snap := m.Snapshot(context.Background())
	require.Equal(t, 0, snap.PTSViolations)
	require.Equal(t, uint64(2), snap.PacketsSeen)
}

func TestMonitorObserveFlagsBackwardPTS(t *testing.T) {
	m := NewMonitor(0, nil)
	p1 := pktWithPTS(0x100, 90000)
	p2 := pktWithPTS(0x100, 1000)
	m.Observe(&p1)
	m.Observe(&p2)

	snap := m.Snapshot(context.Background())
	require.Equal(t, 1, snap.PTSViolations)
}

func TestMonitorObserveIgnoresWraparound(t *testing.T) {
	m := NewMonitor(0, nil)
	const maxPTS = uint64(1)<<33 - 1
	p1 := pktWithPTS(0x100, maxPTS-100)
	p2 := pktWithPTS(0x100, 50)
	m.Observe(&p1)
	m.Observe(&p2)

	snap := m.Snapshot(context.Background())
	require.Equal(t, 0, snap.PTSViolations, "a near-boundary wrap is not a real regression")
}

func TestMonitorObserveTracksPIDsIndependently(t *testing.T) {
	m := NewMonitor(0, nil)
	video := pktWithPTS(0x100, 90000)
	audio := pktWithPTS(0x101, 1000)
	m.Observe(&video)
	m.Observe(&audio)

	snap := m.Snapshot(context.Background())
	require.Equal(t, 0, snap.PTSViolations, "each PID's timeline is independent")
}

func TestMonitorRecordEventBoundsLog(t *testing.T) {
	m := NewMonitor(3, nil)
	for i := 0; i < 5; i++ {
		m.RecordEvent("cut", "segment")
		time.Sleep(time.Millisecond)
	}
	snap := m.Snapshot(context.Background())
	require.Len(t, snap.Events, 3, "the log is trimmed to maxEvents")
}

func TestMonitorRecordEventOrdersChronologically(t *testing.T) {
	m := NewMonitor(0, nil)
	m.RecordEvent("cut", "first")
	time.Sleep(time.Millisecond)
	m.RecordEvent("switch", "second")

	snap := m.Snapshot(context.Background())
	require.Len(t, snap.Events, 2)
	require.True(t, snap.Events[0].ID.Compare(snap.Events[1].ID) < 0, "ULIDs sort in the order events were recorded")
	require.Equal(t, "first", snap.Events[0].Detail)
	require.Equal(t, "second", snap.Events[1].Detail)
}

func TestMonitorNilIsSafeForOrchestratorToSkip(t *testing.T) {
	sink := &collectingSink{}
	o := NewOrchestrator(sink, testFailoverConfig(), nil)
	o.SetMonitor(nil)
	require.NotPanics(t, func() {
		pkt := pktWithPTS(PIDVideo, 1000)
		o.forward(&pkt, StreamInfo{VideoPID: PIDVideo}, 0, 0, new(uint64), new(uint64))
	})
}

package splice

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Event is one entry in the Monitor's chronological log — a cut, a
// switch, a reconnect — keyed by a time-sortable ULID so a long-running
// process's history can be scanned in order without a separate sequence
// counter. See SPEC_FULL.md's DOMAIN STACK section.
type Event struct {
	ID     ulid.ULID
	Time   time.Time
	Kind   string
	Detail string
}

// HostStats is a trimmed snapshot of host resource usage, grounded on the
// teacher's pkg/ffmpegd/types.SystemStats shape but reduced to the fields
// relevant to a single-process splicer: no GPU/disk/network fields, since
// this process has no encode/decode or storage workload.
type HostStats struct {
	CPUPercent     float64
	MemUsedPercent float64
	Load1          float64
}

// Snapshot is the Monitor's reportable state, surfaced on the control
// plane's GET /v1/status (internal/control).
type Snapshot struct {
	PTSViolations int
	PCRViolations int
	PacketsSeen   uint64
	Events        []Event
	Host          HostStats
}

// Monitor is optional diagnostics (spec.md §2, ~5% of the component
// budget): it watches the Orchestrator's output for PCR/PTS monotonicity
// violations (the invariants in spec.md §8), samples host resources, and
// keeps a bounded chronological event log. Observing a monitor is never
// required for correct splicing — the Orchestrator runs identically with
// monitor set to nil.
type Monitor struct {
	mu      sync.Mutex
	logger  *slog.Logger
	entropy *ulid.MonotonicEntropy

	lastPTS map[uint16]uint64
	havePTS map[uint16]bool
	lastPCR uint64
	havePCR bool

	ptsViolations int
	pcrViolations int
	packetsSeen   uint64

	maxEvents int
	events    []Event
}

// NewMonitor constructs a Monitor. maxEvents bounds the retained event
// log (0 selects a default of 256); logger defaults to slog.Default().
func NewMonitor(maxEvents int, logger *slog.Logger) *Monitor {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:    logger,
		entropy:   ulid.Monotonic(rand.Reader, 0),
		lastPTS:   make(map[uint16]uint64),
		havePTS:   make(map[uint16]bool),
		maxEvents: maxEvents,
	}
}

// Observe checks pkt's PTS (per PID) and PCR for backward movement
// relative to the last observed value on the same PID, implementing the
// monotonicity checks from spec.md §8 Testable Properties 2 and 5 as a
// passive diagnostic rather than an enforced invariant (the Orchestrator
// itself is the enforcement point; the Monitor only reports when it
// fails). Wraparound near the 33-bit PTS boundary is not treated as a
// violation.
func (m *Monitor) Observe(pkt *Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packetsSeen++

	if pts, ok := pkt.PTS(); ok {
		pid := pkt.PID()
		if m.havePTS[pid] && backwardBeyondWrap(m.lastPTS[pid], pts) {
			m.ptsViolations++
			m.logger.Warn("monitor: PTS moved backward", slog.Int("pid", int(pid)), slog.Uint64("previous", m.lastPTS[pid]), slog.Uint64("current", pts))
		}
		m.lastPTS[pid] = pts
		m.havePTS[pid] = true
	}
	if pcr, ok := pkt.PCR(); ok {
		if m.havePCR && backwardBeyondWrap(m.lastPCR, pcr) {
			m.pcrViolations++
			m.logger.Warn("monitor: PCR moved backward", slog.Uint64("previous", m.lastPCR), slog.Uint64("current", pcr))
		}
		m.lastPCR = pcr
		m.havePCR = true
	}
}

// backwardBeyondWrap reports whether current is backward of previous by
// more than half the 33-bit PTS/PCR-base domain, i.e. a real regression
// rather than an expected wrap.
func backwardBeyondWrap(previous, current uint64) bool {
	if current >= previous {
		return false
	}
	return previous-current < (uint64(1)<<33)/2
}

// RecordEvent appends a ULID-keyed entry to the event log, trimming the
// oldest entry once maxEvents is exceeded.
func (m *Monitor) RecordEvent(kind, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), m.entropy)
	if err != nil {
		m.logger.Warn("monitor: generating event id failed", slog.Any("error", err))
		return
	}
	m.events = append(m.events, Event{ID: id, Time: time.Now(), Kind: kind, Detail: detail})
	if len(m.events) > m.maxEvents {
		m.events = m.events[len(m.events)-m.maxEvents:]
	}
}

// SampleHost takes one host-resource snapshot via gopsutil.
func (m *Monitor) SampleHost(ctx context.Context) (HostStats, error) {
	var stats HostStats

	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, fmt.Errorf("monitor: sampling cpu: %w", err)
	}
	if len(cpuPct) > 0 {
		stats.CPUPercent = cpuPct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("monitor: sampling memory: %w", err)
	}
	stats.MemUsedPercent = vm.UsedPercent

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("monitor: sampling load: %w", err)
	}
	stats.Load1 = avg.Load1

	return stats, nil
}

// Snapshot returns the Monitor's current reportable state, including a
// fresh host sample. Errors sampling the host are logged and leave Host
// zeroed rather than failing the whole snapshot.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	host, err := m.SampleHost(ctx)
	if err != nil {
		m.logger.Warn("monitor: host sample failed", slog.Any("error", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]Event, len(m.events))
	copy(events, m.events)
	return Snapshot{
		PTSViolations: m.ptsViolations,
		PCRViolations: m.pcrViolations,
		PacketsSeen:   m.packetsSeen,
		Events:        events,
		Host:          host,
	}
}

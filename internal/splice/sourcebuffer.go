package splice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Default wait budgets for the readiness gates a SourceBuffer exposes.
// See spec.md §4.4 and §6.
const (
	DefaultStreamInfoTimeout = 5 * time.Second
	DefaultIDRTimeout        = 10 * time.Second
	DefaultAudioSyncTimeout  = 5 * time.Second
)

// DefaultReconnectDelay is the fixed backoff between ingress reconnect
// attempts, per spec.md §4.4.
const DefaultReconnectDelay = 2 * time.Second

// Reconnector is implemented by ingress readers that can be redialed
// after a disconnect. When the configured reader satisfies this
// interface, SourceBuffer's read loop treats a read error as recoverable
// instead of terminal: it resets readiness state and backs off before
// calling Reconnect, per the failure model in spec.md §4.4.
type Reconnector interface {
	io.Reader
	Reconnect(ctx context.Context) error
}

// SourceBuffer is the background ingestion and analysis pipeline for one
// ingress: it pumps raw bytes through a Reassembler, feeds the aligned
// packets to a StreamProbe and SpliceDetector, and retains them in a
// bounded ringBuffer the Orchestrator consumes from once it decides to
// cut to this source. One SourceBuffer per ingress, for its whole
// lifetime; reconnects replace the reader but keep the same instance so
// callers waiting on it are not disturbed.
//
// Readiness is signalled with a mutex-guarded condition variable rather
// than a set of channels, matching the wait-for-predicate style the
// control flow in spec.md §5 calls for: several independent predicates
// (stream info known, IDR seen, audio synced, packets available) over
// one shared set of fields.
type SourceBuffer struct {
	reader         io.Reader
	ringCapacity   int
	reconnectDelay time.Duration

	reassembler *Reassembler
	probe       *StreamProbe
	ring        *ringBuffer

	mu            sync.Mutex
	cond          *sync.Cond
	streamInfo    StreamInfo
	detector      *SpliceDetector
	detectorReady bool
	consumeIndex  int
	closed        bool
	err           error

	// Lock-free readiness flags for cheap inspection by an Orchestrator
	// arbitrating between sources without blocking on mu, per spec.md §5.
	connected atomic.Bool
	pidsReady atomic.Bool
	idrReady  atomic.Bool

	done chan struct{}
}

// NewSourceBuffer constructs a SourceBuffer reading from r. reassemblerRequired
// and reassemblerMaxBuf configure the Reassembler; ringCapacity configures
// the retained packet window. Zero values select each component's default.
func NewSourceBuffer(r io.Reader, reassemblerRequired, reassemblerMaxBuf, ringCapacity int) *SourceBuffer {
	sb := &SourceBuffer{
		reader:         r,
		ringCapacity:   ringCapacity,
		reconnectDelay: DefaultReconnectDelay,
		reassembler:    NewReassembler(reassemblerRequired, reassemblerMaxBuf),
		probe:          NewStreamProbe(),
		ring:           newRingBuffer(ringCapacity),
		done:           make(chan struct{}),
	}
	sb.cond = sync.NewCond(&sb.mu)
	sb.connected.Store(true)
	return sb
}

// SetReconnectDelay overrides the default backoff between ingress reconnect
// attempts. Must be called before Start.
func (sb *SourceBuffer) SetReconnectDelay(d time.Duration) {
	if d > 0 {
		sb.reconnectDelay = d
	}
}

// Connected reports whether the read loop currently believes its ingress
// connection is live, without blocking on mu.
func (sb *SourceBuffer) Connected() bool { return sb.connected.Load() }

// PIDsReady reports whether PAT/PMT discovery has completed, without
// blocking on mu.
func (sb *SourceBuffer) PIDsReady() bool { return sb.pidsReady.Load() }

// IDRReady reports whether an IDR has been observed on the video PID,
// without blocking on mu.
func (sb *SourceBuffer) IDRReady() bool { return sb.idrReady.Load() }

// Start launches the background read loop. It returns immediately; the
// loop runs until the reader errors, is closed via Stop, or ctx is done.
func (sb *SourceBuffer) Start(ctx context.Context) {
	go sb.run(ctx)
}

func (sb *SourceBuffer) run(ctx context.Context) {
	defer close(sb.done)
	defer sb.probe.Close()

	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			sb.fail(ctx.Err())
			return
		}
		n, err := sb.reader.Read(buf)
		if n > 0 {
			sb.reassembler.AddBytes(buf[:n])
			sb.ingest()
		}
		if err != nil {
			reconnector, ok := sb.reader.(Reconnector)
			if !ok {
				sb.fail(newError(KindIngressDisconnect, false, err))
				return
			}
			sb.resetForReconnect()
			select {
			case <-time.After(sb.reconnectDelay):
			case <-ctx.Done():
				sb.fail(ctx.Err())
				return
			}
			if rerr := reconnector.Reconnect(ctx); rerr != nil {
				sb.fail(newError(KindIngressDisconnect, false, rerr))
				return
			}
			sb.connected.Store(true)
		}
	}
}

// resetForReconnect clears readiness state and the retained packet window
// ahead of a reconnect attempt, per the failure model in spec.md §4.4: a
// disconnect invalidates everything derived from the dropped connection,
// not just the bytes in flight.
func (sb *SourceBuffer) resetForReconnect() {
	sb.connected.Store(false)
	sb.pidsReady.Store(false)
	sb.idrReady.Store(false)

	sb.mu.Lock()
	sb.streamInfo = StreamInfo{}
	sb.detector = nil
	sb.detectorReady = false
	sb.ring = newRingBuffer(sb.ringCapacity)
	sb.consumeIndex = sb.ring.Tail()
	sb.mu.Unlock()

	sb.probe.Close()
	sb.probe = NewStreamProbe()
	sb.cond.Broadcast()
}

// ingest drains whatever packets the Reassembler produced from the last
// chunk, appends them to the ring buffer, and routes them to the probe
// and (once the stream's shape is known) the splice detector.
func (sb *SourceBuffer) ingest() {
	packets := sb.reassembler.DrainPackets()
	if len(packets) == 0 {
		return
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for i := range packets {
		pkt := packets[i]
		idx := sb.ring.Append(pkt)
		sb.probe.Feed(pkt)

		wasInit := sb.streamInfo.Initialized
		sb.streamInfo = sb.probe.Info()
		if sb.streamInfo.Initialized && !sb.detectorReady {
			sb.detector = NewSpliceDetector(sb.streamInfo.VideoStreamType.IsH265(), sb.streamInfo.HasAudio)
			sb.detectorReady = true
		}
		if sb.detectorReady {
			switch {
			case pkt.PID() == sb.streamInfo.VideoPID:
				sb.detector.ObserveVideo(&pkt, idx)
			case sb.streamInfo.HasAudio && pkt.PID() == sb.streamInfo.AudioPID:
				sb.detector.ObserveAudio(&pkt, idx)
			}
			if sb.detector.LatestIDRIndex() >= 0 {
				sb.idrReady.Store(true)
			}
		}
		if !wasInit && sb.streamInfo.Initialized {
			sb.pidsReady.Store(true)
			sb.cond.Broadcast()
		}
	}
	sb.ring.EnforceCapacity()
	sb.cond.Broadcast()
}

func (sb *SourceBuffer) fail(err error) {
	sb.connected.Store(false)
	sb.mu.Lock()
	sb.closed = true
	sb.err = err
	sb.mu.Unlock()
	sb.cond.Broadcast()
}

// waitFor blocks until ready reports true or the buffer has failed,
// waking early if ctx is cancelled. mu must not be held by the caller.
func (sb *SourceBuffer) waitFor(ctx context.Context, ready func() bool) error {
	stop := context.AfterFunc(ctx, sb.cond.Broadcast)
	defer stop()

	sb.mu.Lock()
	defer sb.mu.Unlock()
	for !ready() {
		if sb.closed {
			if sb.err != nil {
				return sb.err
			}
			return ErrIngressDisconnect
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sb.cond.Wait()
	}
	return nil
}

// WaitForStreamInfo blocks until PAT/PMT discovery has completed.
func (sb *SourceBuffer) WaitForStreamInfo(ctx context.Context) (StreamInfo, error) {
	if err := sb.waitFor(ctx, func() bool { return sb.streamInfo.Initialized }); err != nil {
		return StreamInfo{}, err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.streamInfo, nil
}

// WaitForIDR blocks until at least one IDR has been observed on the
// video PID.
func (sb *SourceBuffer) WaitForIDR(ctx context.Context) error {
	return sb.waitFor(ctx, func() bool {
		return sb.detectorReady && sb.detector.LatestIDRIndex() >= 0
	})
}

// WaitForAudioSync blocks until the anchor has a usable audio sync point,
// up to timeout. On timeout it degrades the anchor to audio_sync_index =
// idr_index and returns a non-fatal KindAudioSyncTimeout error rather than
// the bare deadline error, so callers can log and proceed with a
// video-only cut.
func (sb *SourceBuffer) WaitForAudioSync(ctx context.Context, timeout time.Duration) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := sb.waitFor(waitCtx, func() bool {
		return sb.detectorReady && sb.detector.Anchor().Ready()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		sb.mu.Lock()
		sb.detector.DegradeAudioSync()
		sb.mu.Unlock()
		return newError(KindAudioSyncTimeout, false, err)
	}
	return err
}

// ResetForNewLoop unpins the current anchor so the detector starts
// looking for a fresh one, used when a file source loops back to its
// start and needs a new splice point for the next iteration.
func (sb *SourceBuffer) ResetForNewLoop() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.detectorReady {
		sb.detector.Reset()
	}
}

// StreamInfo returns the most recently discovered stream shape.
func (sb *SourceBuffer) StreamInfo() StreamInfo {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.streamInfo
}

// Anchor returns a snapshot of the detector's current anchor, or nil if
// the detector has not been constructed yet (stream info not known).
func (sb *SourceBuffer) Anchor() *Anchor {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.detectorReady {
		return nil
	}
	return sb.detector.Anchor()
}

// ExtractAnchor returns the current anchor with its timing fields
// (PTSBase, AudioPTSBase, PCRBase, PCRPTSAlignmentOffset) filled in from
// the retained packets at and after the anchor's indices. Returns
// ErrStreamNotReady or ErrNoIDRFound if the anchor is not yet usable.
func (sb *SourceBuffer) ExtractAnchor() (*Anchor, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if !sb.detectorReady {
		return nil, ErrStreamNotReady
	}
	a := sb.detector.Anchor()
	if !a.Ready() {
		return nil, ErrNoIDRFound
	}

	if pkt, ok := sb.ring.At(a.IDRIndex); ok {
		if pts, ok := pkt.PTS(); ok {
			a.PTSBase = pts
		}
	}
	if pkt, ok := sb.ring.At(a.AudioSyncIndex); ok {
		if pts, ok := pkt.PTS(); ok {
			a.AudioPTSBase = pts
		}
	}

	pcrPID := sb.streamInfo.PCRPID
	for idx := a.IDRIndex; idx < sb.ring.Tail(); idx++ {
		pkt, ok := sb.ring.At(idx)
		if !ok {
			break
		}
		if pkt.PID() != pcrPID {
			continue
		}
		pcr, ok := pkt.PCR()
		if !ok {
			continue
		}
		a.PCRBase = pcr
		a.PCRPTSAlignmentOffset = int64(a.PTSBase) - int64(pcr/300)
		break
	}
	return a, nil
}

// SnapshotFromWithEnd returns a copy of every packet retained at or after
// the given absolute ring-buffer index, plus the absolute index one past
// the snapshot's last packet (`last_snapshot_end`). Used by the
// Orchestrator's Enter step: the returned end index is passed to
// InitConsumptionFrom so the seam between the drained snapshot and
// subsequent live Consume calls neither duplicates nor drops a packet,
// per spec.md §5.
func (sb *SourceBuffer) SnapshotFromWithEnd(from int) ([]Packet, int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	end := sb.ring.Tail()
	return sb.ring.Slice(from, end), end
}

// InitConsumptionFrom seeks the consumption cursor to the given absolute
// ring-buffer index, used when the Orchestrator starts reading a source
// from its anchor rather than from whatever is currently retained.
func (sb *SourceBuffer) InitConsumptionFrom(index int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.consumeIndex = index
}

// Consume blocks until at least one packet is available past the current
// cursor (or ctx is done, or the buffer has failed), then returns up to
// max packets and advances the cursor past them.
func (sb *SourceBuffer) Consume(ctx context.Context, max int) ([]Packet, error) {
	if err := sb.waitFor(ctx, func() bool { return sb.ring.Tail() > sb.consumeIndex }); err != nil {
		return nil, err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	to := sb.consumeIndex + max
	if to > sb.ring.Tail() {
		to = sb.ring.Tail()
	}
	out := sb.ring.Slice(sb.consumeIndex, to)
	sb.consumeIndex = to
	return out, nil
}

// ReassemblerStats exposes the underlying Reassembler's counters for
// diagnostics.
func (sb *SourceBuffer) ReassemblerStats() Stats {
	return sb.reassembler.Stats()
}

// Done returns a channel closed once the read loop has exited.
func (sb *SourceBuffer) Done() <-chan struct{} { return sb.done }

// Err returns the error the read loop exited with, if any.
func (sb *SourceBuffer) Err() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.err
}

// Stop closes the underlying reader, if it supports closing, to unblock
// a pending Read, then waits for the read loop to exit.
func (sb *SourceBuffer) Stop() {
	if c, ok := sb.reader.(io.Closer); ok {
		c.Close()
	}
	<-sb.done
}

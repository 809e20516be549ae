package splice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// maxConsumeBatch bounds how many packets a single Consume call drains at
// once, keeping the Orchestrator's health-check cadence responsive during
// dual-live arbitration.
const maxConsumeBatch = 256

// FailoverConfig holds the dual-live arbitration tunables that resolve
// spec.md §9 Open Question 1 (SPEC_FULL.md §9).
type FailoverConfig struct {
	// MinVideoPESForHealthy is accepted but not consulted: the health
	// check counts no video PES.
	MinVideoPESForHealthy int
	// MinAudioPUSIForHealthy, when positive, makes the health check also
	// require an audio sync point on a Primary that has audio; the value
	// is not compared against any count of audio PUSI packets.
	MinAudioPUSIForHealthy int
	// MinConsecutiveReady is how many consecutive health-check ticks a
	// source must pass before it is switched to.
	MinConsecutiveReady int
	// MaxLiveGap is how long Primary may go silent before the Orchestrator
	// falls back.
	MaxLiveGap time.Duration
	// AudioSyncTimeout bounds wait_for_audio_sync.
	AudioSyncTimeout time.Duration
	// TableReemitInterval is how often PAT/PMT are re-emitted during a
	// live segment, resolving Open Question 2.
	TableReemitInterval time.Duration
	// HealthTickInterval is how often the live loop polls source health
	// and the control-plane overrides between packets.
	HealthTickInterval time.Duration
}

// DefaultFailoverConfig returns the tunables named in SPEC_FULL.md §9.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		MinVideoPESForHealthy:  5,
		MinAudioPUSIForHealthy: 2,
		MinConsecutiveReady:    3,
		MaxLiveGap:             2000 * time.Millisecond,
		AudioSyncTimeout:       DefaultAudioSyncTimeout,
		TableReemitInterval:    100 * time.Millisecond,
		HealthTickInterval:     100 * time.Millisecond,
	}
}

// logicalSource names a dual-live source for the control surface and
// event logging; it carries no behavior of its own.
type logicalSource string

const (
	sourcePrimary  logicalSource = "primary"
	sourceFallback logicalSource = "fallback"
)

// Orchestrator is the top-level loop of spec.md §4.6: it decides when to
// cut and to which source, drives the switch protocol, and streams
// rebased packets to the Sink via the Splicer. One Orchestrator owns one
// Splicer and one Sink; both are touched only from the Orchestrator's own
// goroutine.
type Orchestrator struct {
	splicer *Splicer
	sink    Sink
	logger  *slog.Logger
	cfg     FailoverConfig
	monitor *Monitor

	// privacy and sourceOverride are mutated by an external collaborator
	// (internal/control) and read at the Orchestrator's decision points,
	// per Design Note 9.
	privacy        atomic.Bool
	sourceOverride atomic.Value // logicalSource, "" meaning no override

	active atomic.Value // logicalSource, for status reporting

	// fallbackReentry tracks wall-clock-aware re-entry per
	// TimestampManager::onSourceSwitch (SUPPLEMENTED FEATURES).
	lastFallbackExit    time.Time
	lastFallbackMaxPTS  uint64
	haveFallbackHistory bool
}

// NewOrchestrator constructs an Orchestrator writing rebased packets to
// sink. logger defaults to slog.Default() when nil.
func NewOrchestrator(sink Sink, cfg FailoverConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{splicer: NewSplicer(), sink: sink, logger: logger, cfg: cfg}
	o.sourceOverride.Store(logicalSource(""))
	o.active.Store(logicalSource(""))
	return o
}

// SetMonitor attaches optional diagnostics; nil (the default) disables
// monitoring entirely with no effect on splicing behavior.
func (o *Orchestrator) SetMonitor(m *Monitor) { o.monitor = m }

// SetPrivacy sets the privacy override read at the next live decision
// point (Scenario 5: privacy on forces a cut to Fallback).
func (o *Orchestrator) SetPrivacy(on bool) { o.privacy.Store(on) }

// Privacy reports the current privacy override.
func (o *Orchestrator) Privacy() bool { return o.privacy.Load() }

// SetSourceOverride pins the active source to "primary" or "fallback", or
// clears the pin with "". Consulted the same way privacy is.
func (o *Orchestrator) SetSourceOverride(source string) {
	o.sourceOverride.Store(logicalSource(source))
}

// SourceOverride returns the current pinned source, or "" if unset.
func (o *Orchestrator) SourceOverride() string {
	return string(o.sourceOverride.Load().(logicalSource))
}

// ActiveSource reports which logical source is currently live, for status
// reporting; "" before the first segment has started.
func (o *Orchestrator) ActiveSource() string {
	return string(o.active.Load().(logicalSource))
}

// RunFileSequence drives file-sequence mode (spec.md §4.6): for loop
// iterations (loop <= 0 means 1), run one segment per entry of segments in
// order. Each entry opens and starts a fresh SourceBuffer for one pass
// over its file; the Orchestrator stops it once the segment ends.
// advance_offsets between segments guarantees timeline continuity.
func (o *Orchestrator) RunFileSequence(ctx context.Context, segments []func() (*SourceBuffer, error), loop int) error {
	if loop <= 0 {
		loop = 1
	}
	first := true
	for i := 0; i < loop; i++ {
		for idx, newSegment := range segments {
			sb, err := newSegment()
			if err != nil {
				return fmt.Errorf("orchestrator: opening segment %d (loop %d): %w", idx, i, err)
			}
			err = o.runFileSegment(ctx, sb, first)
			sb.Stop()
			if err != nil {
				return err
			}
			first = false
		}
	}
	return o.sink.Close()
}

// runFileSegment runs the switch protocol and one full Enter+Live+Exit
// cycle over sb, ending cleanly when the file reaches EOF (surfaced by
// SourceBuffer as KindIngressDisconnect per spec.md §4.4) rather than
// treating that as a failure.
func (o *Orchestrator) runFileSegment(ctx context.Context, sb *SourceBuffer, first bool) error {
	o.active.Store(sourcePrimary)
	if o.monitor != nil {
		o.monitor.RecordEvent("cut", "file segment")
	}
	maxPTS, maxPCR, err := o.enterAndLive(ctx, sb, first, nil)
	if err != nil {
		if errors.Is(err, ErrIngressDisconnect) {
			o.logger.Info("orchestrator segment reached end of file")
			o.splicer.AdvanceOffsets(maxPTS, maxPCR)
			return nil
		}
		o.logger.Error("orchestrator segment failed", slog.Any("error", err))
		return err
	}
	o.splicer.AdvanceOffsets(maxPTS, maxPCR)
	return nil
}

// RunDualLive drives dual-live mode (spec.md §4.6): arbitrates between
// primary and fallback, starting from whichever becomes ready first
// (preferring fallback on a tie, per spec), and re-evaluates the switch
// condition on every health tick while a segment is live. duration, if
// positive, times out the whole run after duration*loop (loop <= 0
// meaning 1); arbitration runs as one continuous pass over that window,
// and individual segments are not bounded. With duration zero the run
// lasts until ctx is done.
func (o *Orchestrator) RunDualLive(ctx context.Context, primary, fallback *SourceBuffer, duration time.Duration, loop int) error {
	if loop <= 0 {
		loop = 1
	}
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration*time.Duration(loop))
		defer cancel()
	}

	first := true
	for i := 0; i < loop; i++ {
		if err := o.runDualLivePass(ctx, primary, fallback, &first); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
	}
	return o.sink.Close()
}

// runDualLivePass runs until ctx is done, continually cutting between
// primary and fallback as health and overrides dictate.
func (o *Orchestrator) runDualLivePass(ctx context.Context, primary, fallback *SourceBuffer, first *bool) error {
	var readyStreak int
	var toPrimary bool
	for ctx.Err() == nil {
		source, sb := o.chooseInitialSource(ctx, primary, fallback)
		if sb == nil {
			return ctx.Err()
		}
		// chooseInitialSource prefers Fallback on a tie; when
		// shouldSwitchAway ended a Fallback segment, cut to Primary.
		if toPrimary && source == sourceFallback && !o.Privacy() &&
			o.SourceOverride() != string(sourceFallback) && primary.Connected() && primary.PIDsReady() {
			source, sb = sourcePrimary, primary
		}
		toPrimary = false
		if source == sourceFallback {
			o.applyFallbackReentry(*first)
		}
		o.active.Store(source)
		o.logger.Info("orchestrator switching active source", slog.String("source", string(source)))
		if o.monitor != nil {
			o.monitor.RecordEvent("switch", string(source))
		}

		other := fallback
		if source == sourceFallback {
			other = primary
		}
		maxPTS, maxPCR, err := o.enterAndLive(ctx, sb, *first, func(silentFor time.Duration) bool {
			switched := o.shouldSwitchAway(source, sb, other, silentFor, &readyStreak)
			toPrimary = switched && source == sourceFallback
			return switched
		})
		*first = false
		if source == sourceFallback {
			o.lastFallbackExit = time.Now()
			o.lastFallbackMaxPTS = maxPTS
			o.haveFallbackHistory = true
		}
		o.splicer.AdvanceOffsets(maxPTS, maxPCR)
		readyStreak = 0

		if err != nil {
			if errors.Is(err, ErrIngressDisconnect) {
				o.logger.Warn("orchestrator source disconnected, re-arbitrating", slog.String("source", string(source)))
			} else {
				return err
			}
		}
	}
	return ctx.Err()
}

// applyFallbackReentry implements the wall-clock-aware fallback re-entry
// target (SUPPLEMENTED FEATURES, TimestampManager::onSourceSwitch): when
// re-entering Fallback after it has been silent, the new PTS base
// accounts for elapsed wall-clock time rather than resuming as if no time
// had passed.
func (o *Orchestrator) applyFallbackReentry(first bool) {
	if first || !o.haveFallbackHistory {
		return
	}
	elapsedMs := time.Since(o.lastFallbackExit).Milliseconds()
	target := (o.lastFallbackMaxPTS + uint64(elapsedMs)*90) & 0x1FFFFFFFF
	o.splicer.AdvanceOffsets(target, o.splicer.GlobalPCROffset())
}

// chooseInitialSource waits for whichever of primary/fallback becomes
// ready (connected and PIDs discovered) first, preferring fallback on a
// tie, per spec.md §4.6 "start from the source that becomes ready first
// (Fallback if it has to be there)". An active source override, if set,
// is honored once connected.
func (o *Orchestrator) chooseInitialSource(ctx context.Context, primary, fallback *SourceBuffer) (logicalSource, *SourceBuffer) {
	ticker := time.NewTicker(o.cfg.HealthTickInterval)
	defer ticker.Stop()
	for {
		if override := o.SourceOverride(); override == string(sourcePrimary) && primary.Connected() && primary.PIDsReady() {
			return sourcePrimary, primary
		} else if override == string(sourceFallback) && fallback.Connected() && fallback.PIDsReady() {
			return sourceFallback, fallback
		}
		if !o.Privacy() && primary.Connected() && primary.PIDsReady() && o.SourceOverride() == "" {
			// Fallback still wins a simultaneous-ready tie; only take
			// Primary here if Fallback is not itself ready.
			if !(fallback.Connected() && fallback.PIDsReady()) {
				return sourcePrimary, primary
			}
		}
		if fallback.Connected() && fallback.PIDsReady() {
			return sourceFallback, fallback
		}
		select {
		case <-ctx.Done():
			return "", nil
		case <-ticker.C:
		}
	}
}

// shouldSwitchAway is the health-tick callback for the live loop: it
// reports true when the Orchestrator should stop streaming from active
// and cut to other, implementing spec.md §4.6's switch condition and
// Scenario 4/5. silentFor is how long it has been since active last
// delivered a packet.
func (o *Orchestrator) shouldSwitchAway(active logicalSource, activeSB *SourceBuffer, other *SourceBuffer, silentFor time.Duration, readyStreak *int) bool {
	if override := o.SourceOverride(); override != "" && override != string(active) {
		return true
	}
	if active == sourcePrimary && o.Privacy() {
		return true
	}
	if active == sourcePrimary {
		// Fallback-entry condition: Primary has gone silent too long
		// (Scenario 4, default 2000ms) or disconnected outright.
		if !activeSB.Connected() {
			return true
		}
		return silentFor > o.cfg.MaxLiveGap
	}
	// active == fallback: look for Primary becoming healthy.
	if !other.Connected() || !other.PIDsReady() {
		*readyStreak = 0
		return false
	}
	if o.Privacy() {
		*readyStreak = 0
		return false
	}
	if o.primaryMeetsHealthFloor(other) {
		*readyStreak++
	} else {
		*readyStreak = 0
	}
	return *readyStreak >= o.cfg.MinConsecutiveReady
}

// primaryMeetsHealthFloor is the per-tick media-validity check on a
// candidate Primary: it passes once an IDR has been observed and, when the
// source has audio and MinAudioPUSIForHealthy is positive, once the anchor
// also has an audio sync point. It counts neither video PES nor audio
// PUSI packets.
func (o *Orchestrator) primaryMeetsHealthFloor(sb *SourceBuffer) bool {
	if !sb.IDRReady() {
		return false
	}
	info := sb.StreamInfo()
	if info.HasAudio && o.cfg.MinAudioPUSIForHealthy > 0 {
		return sb.Anchor().Ready()
	}
	return true
}

// enterAndLive runs the Enter step (switch protocol + Splicer Enter) then
// the Live step until sb fails, ctx is done, or (when non-nil) switchNow
// reports true on a health tick. Returns the max PTS/PCR observed across
// the whole segment for advance_offsets.
func (o *Orchestrator) enterAndLive(ctx context.Context, sb *SourceBuffer, first bool, switchNow func(silentFor time.Duration) bool) (maxPTS, maxPCR uint64, err error) {
	anchor, info, err := o.enter(ctx, sb, first, &maxPTS, &maxPCR)
	if err != nil {
		return maxPTS, maxPCR, err
	}
	err = o.live(ctx, sb, info, anchor.PTSBase, anchor.PCRBase, switchNow, &maxPTS, &maxPCR)
	return maxPTS, maxPCR, err
}

// enter executes the switch protocol (spec.md §4.6 steps 1-3) and the
// Splicer's Enter step (spec.md §4.5): reset for a fresh anchor, wait for
// a clean cut point, extract it, emit PAT/PMT and SPS/PPS, then drain the
// retained snapshot.
func (o *Orchestrator) enter(ctx context.Context, sb *SourceBuffer, first bool, maxPTS, maxPCR *uint64) (*Anchor, StreamInfo, error) {
	sb.ResetForNewLoop()
	if err := sb.WaitForIDR(ctx); err != nil {
		return nil, StreamInfo{}, err
	}
	if err := sb.WaitForAudioSync(ctx, o.cfg.AudioSyncTimeout); err != nil && !errors.Is(err, ErrAudioSyncTimeout) {
		return nil, StreamInfo{}, err
	}
	anchor, err := sb.ExtractAnchor()
	if err != nil {
		return nil, StreamInfo{}, err
	}
	info := sb.StreamInfo()

	if first {
		// PCRPTSAlignmentOffset is stored in the same 90kHz units
		// Initialize ultimately produces; the *300/÷300 round trip keeps
		// Initialize's parameter honoring its documented 27MHz contract
		// without introducing a second unit convention.
		o.splicer.Initialize(anchor.PCRPTSAlignmentOffset * 300)
	}

	if err := o.emitTables(info); err != nil {
		return nil, StreamInfo{}, err
	}
	if err := o.emitSPSPPS(PIDVideo, anchor); err != nil {
		return nil, StreamInfo{}, err
	}

	snapshot, end := sb.SnapshotFromWithEnd(anchor.IDRIndex)
	for i := range snapshot {
		if err := o.forward(&snapshot[i], info, anchor.PTSBase, anchor.PCRBase, maxPTS, maxPCR); err != nil {
			return nil, StreamInfo{}, err
		}
	}
	sb.InitConsumptionFrom(end)
	return anchor, info, nil
}

// live streams packets from sb via Consume until it fails, ctx ends, or
// switchNow (checked on every health tick) reports true. PAT/PMT are
// re-emitted on cfg.TableReemitInterval for late-joining clients.
func (o *Orchestrator) live(ctx context.Context, sb *SourceBuffer, info StreamInfo, ptsBase, pcrBase uint64, switchNow func(silentFor time.Duration) bool, maxPTS, maxPCR *uint64) error {
	tableTicker := time.NewTicker(o.cfg.TableReemitInterval)
	defer tableTicker.Stop()
	healthTicker := time.NewTicker(o.cfg.HealthTickInterval)
	defer healthTicker.Stop()

	lastPTS := ptsBase
	lastPacket := time.Now()
	for {
		select {
		case <-tableTicker.C:
			if err := o.emitTables(info); err != nil {
				return err
			}
		case <-healthTicker.C:
			if switchNow != nil && switchNow(time.Since(lastPacket)) {
				return nil
			}
		default:
		}

		tickCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTickInterval)
		packets, err := sb.Consume(tickCtx, maxConsumeBatch)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue // just a poll tick, not a real timeout
			}
			return err
		}
		for i := range packets {
			if pts, ok := packets[i].PTS(); ok {
				if o.splicer.DetectLoopBoundary(lastPTS, pts) {
					return nil // treat as Exit/Enter seam; caller re-enters
				}
				lastPTS = pts
			}
			if err := o.forward(&packets[i], info, ptsBase, pcrBase, maxPTS, maxPCR); err != nil {
				return err
			}
			lastPacket = time.Now()
		}
	}
}

// forward normalizes pkt's PID, rebases its timestamps, regenerates its
// continuity counter and hands it to the Sink, tracking the maximum PTS
// and PCR observed for the next advance_offsets. Packets outside the
// source's video/audio PIDs are dropped: the Orchestrator synthesizes its
// own PAT/PMT rather than forwarding the source's tables.
func (o *Orchestrator) forward(pkt *Packet, info StreamInfo, ptsBase, pcrBase uint64, maxPTS, maxPCR *uint64) error {
	var target uint16
	switch {
	case pkt.PID() == info.VideoPID:
		target = PIDVideo
	case info.HasAudio && pkt.PID() == info.AudioPID:
		target = PIDAudio
	default:
		return nil
	}
	o.splicer.NormalizePID(pkt, target)
	o.splicer.Rebase(pkt, ptsBase, pcrBase)
	o.splicer.FixContinuity(pkt)
	if pts, ok := pkt.PTS(); ok && pts > *maxPTS {
		*maxPTS = pts
	}
	if pcr, ok := pkt.PCR(); ok && pcr > *maxPCR {
		*maxPCR = pcr
	}
	if o.monitor != nil {
		o.monitor.Observe(pkt)
	}
	if err := o.sink.Write(pkt); err != nil {
		return newError(KindWriteFailure, true, fmt.Errorf("orchestrator: sink write: %w", err))
	}
	return nil
}

// emitTables synthesizes and writes PAT/PMT for info's program shape.
func (o *Orchestrator) emitTables(info StreamInfo) error {
	pkts, err := o.splicer.PATPMT(PIDVideo, PIDAudio, info.HasAudio, info.VideoStreamType, info.AudioStreamType)
	if err != nil {
		return fmt.Errorf("orchestrator: synthesizing PAT/PMT: %w", err)
	}
	for i := range pkts {
		if err := o.sink.Write(&pkts[i]); err != nil {
			return newError(KindWriteFailure, true, fmt.Errorf("orchestrator: sink write: %w", err))
		}
	}
	return nil
}

// emitSPSPPS synthesizes and writes the SPS/PPS injection PES that must
// precede every segment's first video PES (spec.md §6, Testable Property
// 7).
func (o *Orchestrator) emitSPSPPS(videoPID uint16, anchor *Anchor) error {
	if anchor.SPS == nil {
		return nil
	}
	pkts := o.splicer.SPSPPSPES(videoPID, anchor.SPS, anchor.PPS, o.splicer.GlobalPTSOffset())
	for i := range pkts {
		if err := o.sink.Write(&pkts[i]); err != nil {
			return newError(KindWriteFailure, true, fmt.Errorf("orchestrator: sink write: %w", err))
		}
	}
	return nil
}

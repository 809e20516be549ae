package splice

// Anchor is the information a source needs to begin output from a clean
// cut: the splice point plus enough decoder configuration and timing
// context to start a new segment there. See spec.md §3 "SpliceAnchor".
type Anchor struct {
	IDRIndex       int
	AudioSyncIndex int
	SPS            []byte
	PPS            []byte

	// Filled in later by SourceBuffer.ExtractAnchor from the snapshot,
	// not by the SpliceDetector itself.
	PTSBase               uint64
	AudioPTSBase          uint64
	PCRBase               uint64
	PCRPTSAlignmentOffset int64
}

// Ready reports whether the anchor is complete: an IDR has been seen,
// and either an audio sync point has been found or there is no audio PID
// to wait for.
func (a *Anchor) Ready() bool {
	return a != nil && a.IDRIndex >= 0 && a.AudioSyncIndex >= 0
}

// SpliceDetector scans a video PID for IDR/SPS/PPS and an audio PID for
// the first PUSI at or after the pinned IDR. The first IDR observed
// pins Anchor.IDRIndex permanently (until Reset); LatestIDRIndex keeps
// advancing after that so the Orchestrator can request a fresh cut
// without re-running discovery. See spec.md §4.3.
type SpliceDetector struct {
	isH265   bool
	hasAudio bool

	videoAcc pesAccumulator

	latestIDRIndex int
	anchor         Anchor
}

// NewSpliceDetector constructs a detector for the given video codec.
// hasAudio controls whether an audio sync point is required before the
// anchor is considered ready.
func NewSpliceDetector(isH265, hasAudio bool) *SpliceDetector {
	d := &SpliceDetector{isH265: isH265, hasAudio: hasAudio}
	d.resetTracking()
	return d
}

func (d *SpliceDetector) resetTracking() {
	d.latestIDRIndex = -1
	d.anchor.IDRIndex = -1
	d.anchor.AudioSyncIndex = -1
}

// Reset unpins the anchor so the next one pinned is the next IDR (with
// audio sync), per SourceBuffer.reset_for_new_loop. SPS/PPS already
// captured are kept: they remain valid decoder configuration regardless
// of where the new anchor lands.
func (d *SpliceDetector) Reset() {
	sps, pps := d.anchor.SPS, d.anchor.PPS
	d.resetTracking()
	d.anchor.SPS, d.anchor.PPS = sps, pps
}

// ObserveVideo feeds one video-PID packet at the given ring-buffer index.
func (d *SpliceDetector) ObserveVideo(pkt *Packet, index int) {
	completed, startIdx, ok := d.videoAcc.feed(pkt, index)
	if !ok {
		return
	}
	d.scanVideoPES(completed, startIdx)
}

// ObserveAudio feeds one audio-PID packet at the given ring-buffer index.
func (d *SpliceDetector) ObserveAudio(pkt *Packet, index int) {
	if !pkt.PUSI() {
		return
	}
	if d.anchor.IDRIndex >= 0 && d.anchor.AudioSyncIndex < 0 && index >= d.anchor.IDRIndex {
		d.anchor.AudioSyncIndex = index
	}
}

func (d *SpliceDetector) scanVideoPES(pes []byte, startIdx int) {
	es := pesPayload(pes)
	if es == nil {
		return
	}
	var sawIDR bool
	var vps, sps, pps []byte
	for _, nal := range splitAnnexB(es) {
		isIDR, isVPS, isSPS, isPPS := classifyNAL(nal, d.isH265)
		switch {
		case isIDR:
			sawIDR = true
		case isVPS && vps == nil:
			vps = append([]byte(nil), nal.body...)
		case isSPS && sps == nil:
			sps = append([]byte(nil), nal.body...)
		case isPPS && pps == nil:
			pps = append([]byte(nil), nal.body...)
		}
	}
	if sps != nil && d.anchor.SPS == nil {
		if vps != nil {
			d.anchor.SPS = append(append([]byte{}, vps...), sps...)
		} else {
			d.anchor.SPS = sps
		}
	}
	if pps != nil && d.anchor.PPS == nil {
		d.anchor.PPS = pps
	}
	if !sawIDR {
		return
	}
	d.latestIDRIndex = startIdx
	if d.anchor.IDRIndex < 0 {
		d.anchor.IDRIndex = startIdx
		if !d.hasAudio {
			d.anchor.AudioSyncIndex = startIdx
		}
	}
}

// LatestIDRIndex returns the most recently observed IDR's start index, or
// -1 if none has been seen.
func (d *SpliceDetector) LatestIDRIndex() int { return d.latestIDRIndex }

// Anchor returns a copy of the currently pinned anchor (SPS/PPS may be
// populated even when IDRIndex/AudioSyncIndex are not yet). Check
// Anchor().Ready() before consuming it.
func (d *SpliceDetector) Anchor() *Anchor {
	a := d.anchor
	return &a
}

// DegradeAudioSync is called when wait_for_audio_sync times out: the
// anchor proceeds with audio_sync_index = idr_index.
func (d *SpliceDetector) DegradeAudioSync() {
	if d.anchor.IDRIndex >= 0 && d.anchor.AudioSyncIndex < 0 {
		d.anchor.AudioSyncIndex = d.anchor.IDRIndex
	}
}

package splice

import "errors"

// Kind classifies a SpliceError per the error-handling policy in
// SPEC_FULL.md §7.
type Kind int

const (
	// KindSyncLoss: Reassembler lost TS-header alignment. Recovered
	// locally; never propagated as fatal.
	KindSyncLoss Kind = iota
	// KindStreamNotReady: no PAT/PMT observed within budget.
	KindStreamNotReady
	// KindNoIDRFound: no IDR observed within budget; handled the same
	// way as KindStreamNotReady.
	KindNoIDRFound
	// KindAudioSyncTimeout: wait_for_audio_sync exceeded its 5s budget;
	// degraded, not fatal.
	KindAudioSyncTimeout
	// KindWriteFailure: the Sink failed to write. Fatal.
	KindWriteFailure
	// KindIngressDisconnect: the ingress closed or errored. Non-fatal;
	// triggers reconnect-with-backoff.
	KindIngressDisconnect
	// KindInvalidPacket: a non-sync-valid packet reached code that
	// assumed alignment. Fatal — this should be structurally
	// impossible downstream of the Reassembler.
	KindInvalidPacket
)

func (k Kind) String() string {
	switch k {
	case KindSyncLoss:
		return "sync_loss"
	case KindStreamNotReady:
		return "stream_not_ready"
	case KindNoIDRFound:
		return "no_idr_found"
	case KindAudioSyncTimeout:
		return "audio_sync_timeout"
	case KindWriteFailure:
		return "write_failure"
	case KindIngressDisconnect:
		return "ingress_disconnect"
	case KindInvalidPacket:
		return "invalid_packet"
	default:
		return "unknown"
	}
}

// SpliceError wraps an underlying error with a Kind and a Fatal flag so
// callers can dispatch without string matching.
type SpliceError struct {
	Kind  Kind
	Fatal bool
	Err   error
}

func (e *SpliceError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *SpliceError) Unwrap() error { return e.Err }

func newError(kind Kind, fatal bool, err error) *SpliceError {
	return &SpliceError{Kind: kind, Fatal: fatal, Err: err}
}

// Sentinels usable with errors.Is against a SpliceError's Kind. Two
// SpliceErrors are Is-equal when their Kind matches, regardless of the
// wrapped cause.
var (
	ErrSyncLoss          = &SpliceError{Kind: KindSyncLoss}
	ErrStreamNotReady    = &SpliceError{Kind: KindStreamNotReady}
	ErrNoIDRFound        = &SpliceError{Kind: KindNoIDRFound}
	ErrAudioSyncTimeout  = &SpliceError{Kind: KindAudioSyncTimeout}
	ErrWriteFailure      = &SpliceError{Kind: KindWriteFailure, Fatal: true}
	ErrIngressDisconnect = &SpliceError{Kind: KindIngressDisconnect}
	ErrInvalidPacket     = &SpliceError{Kind: KindInvalidPacket, Fatal: true}
)

// Is implements errors.Is comparison by Kind, so a wrapped SpliceError
// still matches its sentinel.
func (e *SpliceError) Is(target error) bool {
	var se *SpliceError
	if errors.As(target, &se) {
		return e.Kind == se.Kind
	}
	return false
}

package splice

import "sync/atomic"

// reassemblerState is the Reassembler's three-state sync machine, grounded
// on the original implementation's TSStreamReassembler.
type reassemblerState int

const (
	stateSearching reassemblerState = iota
	stateVerifying
	stateSynced
)

// DefaultRequiredSyncPackets is how many consecutive aligned headers the
// Verifying state demands before trusting a candidate sync position.
const DefaultRequiredSyncPackets = 3

// DefaultMaxBufferSize bounds the Reassembler's internal buffer.
const DefaultMaxBufferSize = 1 << 20 // 1 MiB

// Reassembler turns an append-only byte stream into a lazy sequence of
// aligned 188-byte TS packets. It never fails outright: loss of sync is
// reported only through its counters.
//
// Not safe for concurrent use; each SourceBuffer owns exactly one
// Reassembler on its producer goroutine.
type Reassembler struct {
	required int
	maxSize  int

	state reassemblerState
	buf   []byte
	out   []Packet

	bytesDiscarded atomic.Uint64
	syncLosses     atomic.Uint64
	packetsOutput  atomic.Uint64
}

// NewReassembler constructs a Reassembler with the given required-sync-run
// length and buffer cap. A zero value for either selects the default.
func NewReassembler(required, maxBufferSize int) *Reassembler {
	if required <= 0 {
		required = DefaultRequiredSyncPackets
	}
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	return &Reassembler{required: required, maxSize: maxBufferSize}
}

// isValidHeader reports whether buf[off] looks like a TS packet header:
// sync byte present and PID within the legal 13-bit range (always true
// for a byte-aligned read, kept for parity with the original's explicit
// PID bound check on the candidate header).
func isValidHeader(buf []byte, off int) bool {
	if off+PacketSize > len(buf) {
		return false
	}
	if buf[off] != SyncByte {
		return false
	}
	pid := (uint16(buf[off+1]&0x1F) << 8) | uint16(buf[off+2])
	return pid <= PIDNull
}

// AddBytes appends chunk to the internal buffer and advances the sync
// state machine as far as the available bytes allow. It never returns an
// error; call DrainPackets to retrieve any packets produced.
func (r *Reassembler) AddBytes(chunk []byte) {
	r.buf = append(r.buf, chunk...)
	r.advance()
	r.enforceCap()
}

// advance runs the state machine until it can make no further progress
// with the bytes currently buffered.
func (r *Reassembler) advance() {
	for {
		switch r.state {
		case stateSearching:
			if !r.search() {
				return
			}
			r.state = stateVerifying
		case stateVerifying:
			switch r.verify() {
			case verifyNeedMore:
				return
			case verifyFailed:
				// Drop one byte and keep searching from the next position.
				r.buf = r.buf[1:]
				r.bytesDiscarded.Add(1)
				r.state = stateSearching
			case verifyOK:
				r.state = stateSynced
			}
		case stateSynced:
			if !r.emitOne() {
				return
			}
		}
	}
}

// search discards bytes until buf[0] is a plausible header start, or
// returns false if the buffered bytes are exhausted without one.
func (r *Reassembler) search() bool {
	for len(r.buf) > 0 {
		if len(r.buf) < PacketSize {
			return false
		}
		if isValidHeader(r.buf, 0) {
			return true
		}
		r.buf = r.buf[1:]
		r.bytesDiscarded.Add(1)
	}
	return false
}

type verifyResult int

const (
	verifyNeedMore verifyResult = iota
	verifyFailed
	verifyOK
)

// verify checks that required consecutive 188-byte strides from the
// current candidate all look like valid headers.
func (r *Reassembler) verify() verifyResult {
	need := r.required * PacketSize
	if len(r.buf) < need {
		if !isValidHeader(r.buf, 0) {
			return verifyFailed
		}
		return verifyNeedMore
	}
	for i := 0; i < r.required; i++ {
		if !isValidHeader(r.buf, i*PacketSize) {
			return verifyFailed
		}
	}
	return verifyOK
}

// emitOne moves exactly one aligned packet from buf into the output
// queue. Returns false when fewer than 188 bytes remain.
func (r *Reassembler) emitOne() bool {
	if len(r.buf) < PacketSize {
		return false
	}
	if !isValidHeader(r.buf, 0) {
		r.syncLosses.Add(1)
		r.buf = r.buf[1:]
		r.bytesDiscarded.Add(1)
		r.state = stateSearching
		return true
	}
	var pkt Packet
	copy(pkt[:], r.buf[:PacketSize])
	r.buf = r.buf[PacketSize:]
	r.packetsOutput.Add(1)
	r.out = append(r.out, pkt)
	return true
}

// enforceCap applies the overflow policy: while Synced, discard whole
// 188-byte multiples to preserve alignment; only fall back to Searching
// (and lose the alignment guarantee) if the buffer cannot be trimmed to
// the cap any other way.
func (r *Reassembler) enforceCap() {
	if len(r.buf) <= r.maxSize {
		return
	}
	overflow := len(r.buf) - r.maxSize
	if r.state == stateSynced {
		// Round up to a whole number of packets so alignment survives.
		packets := (overflow + PacketSize - 1) / PacketSize
		drop := packets * PacketSize
		if drop > len(r.buf) {
			drop = len(r.buf) - (len(r.buf) % PacketSize)
		}
		r.buf = r.buf[drop:]
		r.bytesDiscarded.Add(uint64(drop))
		return
	}
	// Not yet synced: no alignment to preserve, trim from the front.
	r.buf = r.buf[overflow:]
	r.bytesDiscarded.Add(uint64(overflow))
}

// DrainPackets returns all packets produced since the last call, clearing
// the internal queue.
func (r *Reassembler) DrainPackets() []Packet {
	if len(r.out) == 0 {
		return nil
	}
	out := r.out
	r.out = nil
	return out
}

// Stats is the Reassembler's operability surface (bytes_discarded,
// sync_losses, packets_output), present in the original implementation
// and reintroduced here since spec.md's contract omits it but the
// Orchestrator and diagnostics need it.
type Stats struct {
	BytesDiscarded uint64
	SyncLosses     uint64
	PacketsOutput  uint64
}

// Stats returns a snapshot of the Reassembler's counters.
func (r *Reassembler) Stats() Stats {
	return Stats{
		BytesDiscarded: r.bytesDiscarded.Load(),
		SyncLosses:     r.syncLosses.Load(),
		PacketsOutput:  r.packetsOutput.Load(),
	}
}

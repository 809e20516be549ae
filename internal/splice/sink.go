package splice

// Sink is a blocking, ordered consumer of output TS packets. Sinks never
// reorder packets. A sink may attempt to recover from a transient write
// error (e.g. a broken pipe to a subprocess) before the next Write call
// returns fatally; the Orchestrator is unaware of any such retry and
// only sees the final outcome. See spec.md §4.7.
type Sink interface {
	// Write blocks until pkt has been handed to the underlying
	// transport, or returns a fatal write error.
	Write(pkt *Packet) error
	// Close flushes any buffered packets and releases the sink's
	// underlying resource.
	Close() error
}

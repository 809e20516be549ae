// Package egress provides Sink implementations: ordered, blocking
// consumers of the splicer's output packets over stdout, a TCP
// connection, or a subprocess's stdin. See spec.md §4.7 and §6.
package egress

import (
	"bufio"
	"io"

	"github.com/avswitch/splicer/internal/splice"
)

// Writer wraps any io.Writer as a splice.Sink, writing packets in order
// with no reconnect logic of its own — used for stdout and for any
// transport whose Close is the only recovery the caller wants.
type Writer struct {
	w      *bufio.Writer
	closer io.Closer
}

// NewWriter wraps w in a buffered splice.Sink. If w also implements
// io.Closer, Close releases it.
func NewWriter(w io.Writer) *Writer {
	closer, _ := w.(io.Closer)
	return &Writer{w: bufio.NewWriterSize(w, splice.PacketSize*64), closer: closer}
}

// Write implements splice.Sink.
func (s *Writer) Write(pkt *splice.Packet) error {
	_, err := s.w.Write(pkt[:])
	return err
}

// Close flushes buffered packets and closes the underlying writer, if
// closable.
func (s *Writer) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

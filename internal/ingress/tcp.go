package ingress

import (
	"context"
	"fmt"
	"net"
)

// TCP is a splice.SourceBuffer reader over a TCP connection carrying a raw
// MPEG-TS byte stream. It implements splice.Reconnector so a dropped
// connection is redialed in place rather than failing the SourceBuffer,
// per the ingress failure model in spec.md §4.4.
type TCP struct {
	addr string
	conn net.Conn
}

// DialTCP connects to addr and returns a Source reading the raw byte
// stream delivered over it.
func DialTCP(ctx context.Context, addr string) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingress: dialing %s: %w", addr, err)
	}
	return &TCP{addr: addr, conn: conn}, nil
}

func (s *TCP) Read(p []byte) (int, error) { return s.conn.Read(p) }

// Reconnect implements splice.Reconnector by redialing addr.
func (s *TCP) Reconnect(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ingress: reconnecting to %s: %w", s.addr, err)
	}
	s.conn = conn
	return nil
}

func (s *TCP) Close() error { return s.conn.Close() }

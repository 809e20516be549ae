package ingress

import (
	"context"
	"fmt"
	"net"
)

// UDP is a splice.SourceBuffer reader over a UDP socket carrying a raw
// MPEG-TS byte stream, with optional multicast group membership. It
// implements splice.Reconnector by re-binding the socket, matching the
// reconnect-with-backoff policy in spec.md §4.4.
type UDP struct {
	laddr     *net.UDPAddr
	multicast *net.UDPAddr
	conn      *net.UDPConn
}

// ListenUDP binds addr (host:port) for unicast/any-source reception.
func ListenUDP(addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingress: resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("ingress: listening on %s: %w", addr, err)
	}
	return &UDP{laddr: laddr, conn: conn}, nil
}

// ListenMulticastUDP binds group (a multicast address:port) and joins the
// group on the given interface; iface may be nil to let the kernel choose.
func ListenMulticastUDP(group string, iface *net.Interface) (*UDP, error) {
	gaddr, err := net.ResolveUDPAddr("udp", group)
	if err != nil {
		return nil, fmt.Errorf("ingress: resolving %s: %w", group, err)
	}
	conn, err := net.ListenMulticastUDP("udp", iface, gaddr)
	if err != nil {
		return nil, fmt.Errorf("ingress: joining %s: %w", group, err)
	}
	// Payloads for broadcast-quality TS over UDP commonly carry several
	// 188-byte packets per datagram; size generously to avoid truncation.
	conn.SetReadBuffer(4 << 20)
	return &UDP{laddr: gaddr, multicast: gaddr, conn: conn}, nil
}

func (s *UDP) Read(p []byte) (int, error) { return s.conn.Read(p) }

// Reconnect implements splice.Reconnector by closing and re-binding the
// socket (rejoining the multicast group if configured for one).
func (s *UDP) Reconnect(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.multicast != nil {
		conn, err := net.ListenMulticastUDP("udp", nil, s.multicast)
		if err != nil {
			return fmt.Errorf("ingress: rejoining %s: %w", s.multicast, err)
		}
		conn.SetReadBuffer(4 << 20)
		s.conn = conn
		return nil
	}
	conn, err := net.ListenUDP("udp", s.laddr)
	if err != nil {
		return fmt.Errorf("ingress: rebinding %s: %w", s.laddr, err)
	}
	s.conn = conn
	return nil
}

func (s *UDP) Close() error { return s.conn.Close() }

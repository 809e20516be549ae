package egress

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/avswitch/splicer/internal/splice"
)

// DefaultReconnectDelay is the fixed backoff between reconnect attempts,
// matching the SourceBuffer ingress-side reconnect policy in spec.md §4.4.
const DefaultReconnectDelay = 2 * time.Second

// TCP is a splice.Sink that writes packets to a TCP connection,
// reconnecting with a fixed delay on a broken pipe rather than
// propagating the error to the Orchestrator, per spec.md §4.7 ("it may
// attempt to reconnect before the next packet").
type TCP struct {
	addr           string
	reconnectDelay time.Duration
	logger         *slog.Logger

	conn   net.Conn
	closed bool
}

// NewTCP dials addr and returns a Sink over the connection. reconnectDelay
// of zero selects DefaultReconnectDelay.
func NewTCP(addr string, reconnectDelay time.Duration, logger *slog.Logger) (*TCP, error) {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &TCP{addr: addr, reconnectDelay: reconnectDelay, logger: logger}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("egress: dialing %s: %w", addr, err)
	}
	t.conn = conn
	return t, nil
}

// Write implements splice.Sink. On a write error it closes the broken
// connection and attempts one reconnect before retrying the write once;
// a second failure is returned to the caller.
func (t *TCP) Write(pkt *splice.Packet) error {
	if t.closed {
		return fmt.Errorf("egress: tcp sink to %s is closed", t.addr)
	}
	if _, err := t.conn.Write(pkt[:]); err != nil {
		t.logger.Warn("tcp sink write failed, reconnecting", slog.String("addr", t.addr), slog.Any("error", err))
		t.conn.Close()
		time.Sleep(t.reconnectDelay)
		conn, dialErr := net.Dial("tcp", t.addr)
		if dialErr != nil {
			return fmt.Errorf("egress: reconnecting to %s: %w", t.addr, dialErr)
		}
		t.conn = conn
		if _, err := t.conn.Write(pkt[:]); err != nil {
			return fmt.Errorf("egress: write to %s failed after reconnect: %w", t.addr, err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (t *TCP) Close() error {
	t.closed = true
	return t.conn.Close()
}

package ingress

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUDPReceivesDatagram(t *testing.T) {
	src, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer src.Close()

	conn, err := net.Dial("udp", src.conn.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("a-ts-datagram")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	src.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := src.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestUDPReconnectRebinds(t *testing.T) {
	src, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Reconnect(t.Context()))
	// Reconnect rebinds from the configured "host:0" address, so the
	// kernel hands out a fresh ephemeral port; read it back off the new
	// socket rather than assuming the old port survives.
	addr := src.conn.LocalAddr().String()

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("post-reconnect"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	src.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := src.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "post-reconnect", string(buf[:n]))
}

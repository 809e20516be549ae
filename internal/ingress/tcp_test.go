package ingress

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPReadsDialedData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	payload := []byte("ts-bytes-over-tcp")
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(payload)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	src, err := DialTCP(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer src.Close()

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(src, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf)
}

func TestTCPReconnectRedials(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	src, err := DialTCP(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer src.Close()

	first := <-accepted
	first.Close()

	require.NoError(t, src.Reconnect(ctx))

	select {
	case second := <-accepted:
		second.Close()
	case <-time.After(time.Second):
		t.Fatal("reconnect never redialed the listener")
	}
}

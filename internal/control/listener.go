package control

import "net"

// newListener opens the TCP listener that Server.Start serves on.
func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

package net

import (
	"fmt"
	"net"
)

// FreeLoopbackAddr returns a 127.0.0.1 address with a port that was free at the time of the call.
// The port is released before returning, so a listener racing for it can still win.
func FreeLoopbackAddr() (*net.TCPAddr, error) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr), nil
}

// Package portutil allocates TCP ports through OS assignment.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort asks the OS for a free TCP port. The listener is closed
// before returning, so the caller should bind promptly.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

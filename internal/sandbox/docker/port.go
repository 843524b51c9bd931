package docker

import (
	"fmt"
	"net"
)

// maxPortAllocRetries bounds how many times a failed container bind is
// retried with a freshly allocated port.
const maxPortAllocRetries = 5

// allocateEphemeralPort binds port 0 on loopback, reads the assigned
// port, and closes the listener so the container can bind it. Another
// process can grab the port in that window; withPortRetry absorbs the
// race.
func allocateEphemeralPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("port: bind ephemeral: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("port: release ephemeral: %w", err)
	}
	return port, nil
}

// withPortRetry calls bind with a freshly allocated ephemeral port, and
// on failure retries with a newly allocated port up to
// maxPortAllocRetries times.
func withPortRetry(bind func(port int) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= maxPortAllocRetries; attempt++ {
		port, err := allocateEphemeralPort()
		if err != nil {
			lastErr = err
			continue
		}
		if err := bind(port); err != nil {
			lastErr = err
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("port: exhausted %d retries: %w", maxPortAllocRetries, lastErr)
}

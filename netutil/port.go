// Package netutil contains small networking helpers for the local ingestion server.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
)

// FindAvailablePort returns the first port at or above start that can be bound
// on localhost. Ports that are already in use are skipped; any other bind
// failure is returned as-is. The probe listener is closed before returning, so
// the caller must bind the returned port promptly.
func FindAvailablePort(start int) (int, error) {
	for port := start; port <= 65535; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			if isAddrInUse(err) {
				log.Debug("Port in use, trying next", "port", port)
				continue
			}
			return 0, fmt.Errorf("failed to bind port %d: %w", port, err)
		}
		if err := ln.Close(); err != nil {
			return 0, fmt.Errorf("failed to release probe listener on port %d: %w", port, err)
		}
		return port, nil
	}
	return 0, fmt.Errorf("no available port at or above %d", start)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

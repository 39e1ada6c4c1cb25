package proc

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"go.olrik.dev/xpos/internal/core"
)

// DefaultProbeTimeout bounds a single connect attempt.
const DefaultProbeTimeout = 500 * time.Millisecond

// IsListening reports whether something accepts TCP connections on host:port.
// Refused, unreachable and timed-out connects are all plain "no".
func IsListening(host string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		slog.Debug("Port not listening", "addr", addr, "error", err)
		return false
	}
	conn.Close()
	return true
}

// FindAvailablePort returns the first port in [start, start+attempts) that
// nothing is listening on.
func FindAvailablePort(host string, start, attempts int) (int, error) {
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		port := start + i
		if !IsListening(host, port, DefaultProbeTimeout) {
			return port, nil
		}
		slog.Debug("Port in use, trying next", "port", port)
	}

	return 0, fmt.Errorf("%w: tried ports %d to %d", core.ErrPortExhausted, start, start+attempts-1)
}

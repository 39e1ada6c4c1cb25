//go:build !windows

package proc

import (
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"
)

// isAlivePlatform sends the null signal. EPERM still proves the process
// exists, it just belongs to someone else.
func isAlivePlatform(pid int) bool {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return !isZombie(pid)
	case errors.Is(err, unix.ESRCH):
		return false
	}

	slog.Debug("Null signal unavailable, checking process table", "pid", pid, "error", err)
	return isAliveFromProcessTable(pid)
}

package proc

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
)

// IsAlive reports whether pid refers to a running process. Non-positive pids
// are never alive. Platform-specific checks live in process_unix.go and
// process_windows.go.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isAlivePlatform(pid)
}

// isAliveFromProcessTable is used when signalling is unavailable: the /proc
// entry first, then gopsutil's view of the process table.
func isAliveFromProcessTable(pid int) bool {
	if info, err := os.Stat("/proc/" + strconv.Itoa(pid)); err == nil && info.IsDir() {
		return !isZombie(pid)
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil {
		slog.Debug("Process table lookup failed", "pid", pid, "error", err)
		return false
	}
	return exists && !isZombie(pid)
}

// isZombie reports whether pid has exited but not been reaped yet. Lookup
// failures count as "not a zombie".
func isZombie(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

//go:build !windows

package proc

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// SysProcAttr puts a child in its own process group so it can be signalled
// together with anything it forks.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(p *os.Process, group bool) error {
	if group {
		return unix.Kill(-p.Pid, unix.SIGTERM)
	}
	return p.Signal(unix.SIGTERM)
}

func signalKill(p *os.Process, group bool) error {
	if group {
		return unix.Kill(-p.Pid, unix.SIGKILL)
	}
	return p.Kill()
}

func groupAlive(p *os.Process) bool {
	return unix.Kill(-p.Pid, 0) == nil
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

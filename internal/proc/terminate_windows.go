//go:build windows

package proc

import (
	"os"
	"syscall"
)

// SysProcAttr is a no-op on Windows; there is no SIGTERM to deliver.
func SysProcAttr() *syscall.SysProcAttr {
	return nil
}

func signalTerm(p *os.Process, group bool) error {
	return p.Kill()
}

func signalKill(p *os.Process, group bool) error {
	return p.Kill()
}

func groupAlive(p *os.Process) bool {
	return false
}

func isNoSuchProcess(err error) bool {
	return false
}

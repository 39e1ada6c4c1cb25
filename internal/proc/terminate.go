package proc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// PollInterval is how often liveness is re-checked while waiting on a child.
const PollInterval = 100 * time.Millisecond

// Terminate asks a child process to exit with SIGTERM, polls for up to grace,
// then falls back to SIGKILL. exited must be closed by whoever owns the
// process's Wait. When group is set the whole process group is signalled and
// any member still alive after the leader exits is killed.
// Returns nil once the process is gone, including when it was gone already.
func Terminate(p *os.Process, exited <-chan struct{}, grace time.Duration, label string, group bool) error {
	if p == nil {
		return fmt.Errorf("%s: no process", label)
	}

	select {
	case <-exited:
		sweepGroup(p, group, label)
		return nil
	default:
	}

	if err := signalTerm(p, group); err != nil {
		if isProcessGone(err) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "error", err)
		return killAndWait(p, exited, group, label)
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for {
		select {
		case <-exited:
			slog.Debug(fmt.Sprintf("Process %s terminated gracefully", label))
			sweepGroup(p, group, label)
			return nil
		case <-deadline.C:
			slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, grace))
			return killAndWait(p, exited, group, label)
		case <-ticker.C:
		}
	}
}

func killAndWait(p *os.Process, exited <-chan struct{}, group bool, label string) error {
	if err := signalKill(p, group); err != nil && !isProcessGone(err) {
		return err
	}

	select {
	case <-exited:
		return nil
	case <-time.After(time.Second):
		slog.Error(fmt.Sprintf("Process %s survived SIGKILL", label))
		return fmt.Errorf("process %s survived SIGKILL", label)
	}
}

// sweepGroup kills group members that outlived the leader.
func sweepGroup(p *os.Process, group bool, label string) {
	if !group || !groupAlive(p) {
		return
	}
	slog.Debug(fmt.Sprintf("Killing leftover members of %s process group", label))
	if err := signalKill(p, true); err != nil && !isProcessGone(err) {
		slog.Warn("Failed to kill process group", "label", label, "error", err)
	}
}

func isProcessGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || isNoSuchProcess(err)
}

// TerminatePID stops a process this program did not start, such as a server
// left behind by an earlier run. Without a Wait to observe, liveness is
// polled with IsAlive.
func TerminatePID(pid int, grace time.Duration, group bool) error {
	if !IsAlive(pid) {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	exited := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !IsAlive(pid) {
					close(exited)
					return
				}
			}
		}
	}()

	return Terminate(p, exited, grace, fmt.Sprintf("PID %d", pid), group)
}

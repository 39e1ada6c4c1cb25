package serve

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"go.olrik.dev/xpos/internal/proc"
)

// Server is a local development server started by this process. Only its
// owner stops it.
type Server struct {
	Host string
	Port int
	PID  int

	cmd    *exec.Cmd
	stdout *proc.TailBuffer
	stderr *proc.TailBuffer
	exited chan struct{}

	mu      sync.Mutex
	stopped bool
}

// Running reports whether the process has not exited yet. It never blocks.
func (s *Server) Running() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and been reaped.
func (s *Server) Done() <-chan struct{} {
	return s.exited
}

// ErrorOutput returns what the server wrote to stderr, bounded to the tail.
func (s *Server) ErrorOutput() string {
	return s.stderr.String()
}

// Output returns what the server wrote to stdout, bounded to the tail.
func (s *Server) Output() string {
	return s.stdout.String()
}

// ExitCode returns the exit code once the process is gone, -1 before that.
func (s *Server) ExitCode() int {
	if s.Running() {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// Stop terminates the server and everything in its process group, giving it
// grace to exit before SIGKILL. Stopping twice is a no-op.
func (s *Server) Stop(grace time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	label := fmt.Sprintf("dev server (PID %d)", s.PID)
	if err := proc.Terminate(s.cmd.Process, s.exited, grace, label, true); err != nil {
		return fmt.Errorf("failed to stop %s: %w", label, err)
	}
	slog.Info("Stopped development server", "pid", s.PID, "port", s.Port)
	return nil
}

func (s *Server) wait() {
	err := s.cmd.Wait()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.Debug("Waiting on dev server failed", "pid", s.PID, "error", err)
	}
	slog.Debug("Dev server exited", "pid", s.PID, "state", s.cmd.ProcessState.String())
	close(s.exited)
}

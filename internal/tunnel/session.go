// Package tunnel runs the ssh client that exposes a local port through the
// relay and watches its output for the public URL.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.olrik.dev/xpos/internal/core"
	"go.olrik.dev/xpos/internal/proc"
)

// State is the lifecycle position of a tunnel session.
type State int

const (
	StateStarting State = iota
	StateConnected
	StateActive
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// DefaultURLTimeout is how long WaitForURL waits for the announcement.
	DefaultURLTimeout = 15 * time.Second

	// TickInterval paces the progress callback of WaitForURL.
	TickInterval = 2 * time.Second

	outputLimit = 64 * 1024
)

// Options describes the relay to connect to and the local endpoint to expose.
type Options struct {
	Binary         string // ssh client, "ssh" when empty
	Server         string
	Port           int
	User           string
	ExtraOptions   []string // inserted before -R
	ConnectTimeout int      // seconds
	LocalHost      string
	LocalPort      int
	URLDomain      string
	UsePTY         bool

	OnURL    func(url string)  // called once, from an output goroutine
	OnOutput func(line string) // relay output worth showing, from an output goroutine
}

// OptionsFromConfig fills the relay part of Options from the configuration.
func OptionsFromConfig(cfg core.RelayConfig, host string, port int) Options {
	return Options{
		Binary:         cfg.Binary,
		Server:         cfg.Server,
		Port:           cfg.SSHPort,
		User:           cfg.SSHUser,
		ExtraOptions:   cfg.Options,
		ConnectTimeout: cfg.ConnectTimeout,
		LocalHost:      host,
		LocalPort:      port,
		URLDomain:      cfg.URLDomain,
		UsePTY:         cfg.UsePTY,
	}
}

// Session is a running ssh reverse tunnel. It owns the ssh process.
type Session struct {
	PID int

	opts   Options
	cmd    *exec.Cmd
	stdin  io.WriteCloser // held open so ssh keeps the session
	ptmx   *os.File
	errOut *proc.TailBuffer
	exited chan struct{}
	found  chan struct{}

	mu       sync.Mutex
	matcher  *URLMatcher
	lines    map[string]*lineSplitter
	state    State
	stopped  bool
	exitCode int
}

// Open starts ssh with a reverse binding to opts.LocalHost:opts.LocalPort.
// The process runs until Stop is called or it exits on its own; ctx only
// guards the start.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Binary == "" {
		opts.Binary = "ssh"
	}
	if opts.URLDomain == "" {
		opts.URLDomain = DefaultURLDomain
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10
	}

	args := buildArgs(opts)
	cmd := exec.Command(opts.Binary, args...)
	cmd.Env = os.Environ()

	s := &Session{
		opts:     opts,
		cmd:      cmd,
		errOut:   proc.NewTailBuffer(outputLimit),
		exited:   make(chan struct{}),
		found:    make(chan struct{}),
		matcher:  NewURLMatcher(opts.URLDomain),
		lines:    make(map[string]*lineSplitter),
		state:    StateStarting,
		exitCode: -1,
	}

	slog.Debug("Starting tunnel", "command", opts.Binary+" "+strings.Join(args, " "))

	var copyDone chan struct{}
	if opts.UsePTY {
		ptmx, err := pty.Start(cmd)
		switch {
		case err == nil:
			s.ptmx = ptmx
			copyDone = make(chan struct{})
			go s.copyPTY(copyDone)
		case errors.Is(err, pty.ErrUnsupported):
			slog.Debug("Pseudo-terminals unsupported, falling back to pipes")
			cmd = exec.Command(opts.Binary, args...)
			cmd.Env = os.Environ()
			s.cmd = cmd
			opts.UsePTY = false
		default:
			return nil, s.startError(err)
		}
	}

	if !opts.UsePTY {
		cmd.SysProcAttr = proc.SysProcAttr()
		cmd.Stdout = &streamWriter{s: s, name: "stdout"}
		cmd.Stderr = &streamWriter{s: s, name: "stderr"}
		// ssh ends the remote session when stdin reaches EOF.
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		s.stdin = stdin
		cmd.WaitDelay = time.Second

		if err := cmd.Start(); err != nil {
			stdin.Close()
			return nil, s.startError(err)
		}
	}

	s.PID = cmd.Process.Pid
	go s.wait(copyDone)

	slog.Info(fmt.Sprintf("Tunnel process started (PID %d)", s.PID),
		"relay", fmt.Sprintf("%s@%s:%d", opts.User, opts.Server, opts.Port),
		"local", fmt.Sprintf("%s:%d", opts.LocalHost, opts.LocalPort))
	return s, nil
}

func (s *Session) startError(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s", core.ErrSSHNotFound, s.opts.Binary)
	}
	return fmt.Errorf("failed to launch %s: %w", s.opts.Binary, err)
}

// Running reports whether ssh has not exited yet. It never blocks.
func (s *Session) Running() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Done is closed once ssh has exited and its output has been drained.
func (s *Session) Done() <-chan struct{} {
	return s.exited
}

// URLFound is closed when the public URL has been seen.
func (s *Session) URLFound() <-chan struct{} {
	return s.found
}

// URL returns the public URL, or "" if the relay has not announced one.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matcher.URL()
}

// State returns where the session is in its lifecycle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorOutput returns the tail of what ssh wrote to stderr. With a pty the
// streams are merged, so it is the tail of all output.
func (s *Session) ErrorOutput() string {
	return s.errOut.String()
}

// ExitCode returns the ssh exit code once it is gone, -1 before that.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// MarkActive records that the caller has handed the tunnel to the user.
func (s *Session) MarkActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting || s.state == StateConnected {
		s.state = StateActive
	}
}

// WaitForURL blocks until the URL is announced, ssh exits, timeout elapses or
// ctx is done. An exit before the URL yields a *core.TunnelError; a timeout
// with ssh still running yields core.ErrTunnelURLUnconfirmed, which callers
// may treat as a warning. onTick, if set, is called every TickInterval.
func (s *Session) WaitForURL(ctx context.Context, timeout time.Duration, onTick func()) error {
	if timeout <= 0 {
		timeout = DefaultURLTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(proc.PollInterval)
	defer poll.Stop()
	lastTick := time.Now()

	for {
		select {
		case <-s.found:
			return nil
		default:
		}

		select {
		case <-s.found:
			return nil
		case <-s.exited:
			// Output is drained before exited closes, so a URL printed just
			// before exit has been seen by now.
			if s.URL() != "" {
				return nil
			}
			return &core.TunnelError{ExitCode: s.ExitCode(), Stderr: s.ErrorOutput()}
		case <-deadline.C:
			return core.ErrTunnelURLUnconfirmed
		case <-ctx.Done():
			return ctx.Err()
		case now := <-poll.C:
			if onTick != nil && now.Sub(lastTick) >= TickInterval {
				lastTick = now
				onTick()
			}
		}
	}
}

// Stop sends SIGTERM to ssh and SIGKILL after grace. Stopping twice, or
// stopping a session whose ssh already exited, is a no-op.
func (s *Session) Stop(grace time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.stdin != nil {
		s.stdin.Close()
	}

	label := fmt.Sprintf("tunnel (PID %d)", s.PID)
	if err := proc.Terminate(s.cmd.Process, s.exited, grace, label, true); err != nil {
		return fmt.Errorf("failed to stop %s: %w", label, err)
	}
	slog.Info("Tunnel stopped", "pid", s.PID)
	return nil
}

func (s *Session) wait(copyDone <-chan struct{}) {
	err := s.cmd.Wait()

	if copyDone != nil {
		// The pty read loop ends with EIO once the child side is closed.
		select {
		case <-copyDone:
		case <-time.After(time.Second):
		}
		s.ptmx.Close()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.Debug("Waiting on tunnel failed", "pid", s.PID, "error", err)
	}

	s.mu.Lock()
	var pending []string
	for _, l := range s.lines {
		pending = append(pending, l.flush()...)
	}
	s.exitCode = s.cmd.ProcessState.ExitCode()
	// Only a session that never got going can fail; once handed to the
	// user, an exit is a termination.
	if s.state == StateStarting && !s.stopped {
		s.state = StateFailed
	} else {
		s.state = StateTerminated
	}
	s.mu.Unlock()

	s.display(pending)
	slog.Debug("Tunnel exited", "pid", s.PID, "state", s.cmd.ProcessState.String())
	close(s.exited)
}

func (s *Session) copyPTY(done chan<- struct{}) {
	defer close(done)
	w := &streamWriter{s: s, name: "pty"}
	if _, err := io.Copy(w, s.ptmx); err != nil && !isPTYClosed(err) {
		slog.Debug("Reading tunnel terminal failed", "error", err)
	}
}

// consume handles one chunk of output from ssh. Callbacks run after the lock
// is released so they may call back into the session.
func (s *Session) consume(stream string, p []byte) {
	if stream != "stdout" {
		s.errOut.Write(p)
	}

	s.mu.Lock()
	url, first := s.matcher.Feed(p)
	if first {
		if s.state == StateStarting {
			s.state = StateConnected
		}
		close(s.found)
	}
	splitter, ok := s.lines[stream]
	if !ok {
		splitter = &lineSplitter{}
		s.lines[stream] = splitter
	}
	lines := splitter.push(p)
	s.mu.Unlock()

	if first {
		slog.Info("Tunnel URL detected", "url", url)
		if s.opts.OnURL != nil {
			s.opts.OnURL(url)
		}
	}
	s.display(lines)
}

func (s *Session) display(lines []string) {
	for _, line := range lines {
		if !Displayable(line, s.opts.URLDomain) {
			continue
		}
		line = strings.TrimSpace(line)
		slog.Debug("Relay output", "line", line)
		if s.opts.OnOutput != nil {
			s.opts.OnOutput(line)
		}
	}
}

type streamWriter struct {
	s    *Session
	name string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.s.consume(w.name, p)
	return len(p), nil
}

func isPTYClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || strings.Contains(err.Error(), "input/output error")
}

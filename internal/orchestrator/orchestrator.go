// Package orchestrator ties a local development server to a tunnel for the
// length of one xpos run and guarantees a single cleanup at the end.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.olrik.dev/xpos/internal/core"
	"go.olrik.dev/xpos/internal/proc"
	"go.olrik.dev/xpos/internal/serve"
	"go.olrik.dev/xpos/internal/tunnel"
)

// State is the orchestrator's position in a run.
type State int

const (
	StateIdle State = iota
	StateDeterminingServer
	StateTunnelStarting
	StateRunning
	StateShuttingDown
	StateDone
)

func (s State) String() string {
	return [...]string{"idle", "determining-server", "tunnel-starting", "running", "shutting-down", "done"}[s]
}

// Output is the user-facing narrative of a run. *console.Printer implements it.
type Output interface {
	Banner()
	Check(msg, target string)
	Muted(msg string)
	Warn(msg string)
	Error(msg string, hints ...string)
	Dot()
	URL(url string)
	ShuttingDown()
}

// Journal records the run in the history. *db.SessionLog implements it.
type Journal interface {
	Event(eventType, details string) error
	Server(host string, port, pid int, started bool) error
	URL(url string) error
	End(outcome string, cause error) error
}

// Options are the per-invocation choices made on the command line.
type Options struct {
	Host    string // empty means the configured serve host
	Port    int    // 0 means the configured default port
	NoServe bool   // expose a server the user started, never launch one
}

// Orchestrator runs one xpos session.
type Orchestrator struct {
	cfg      *core.Configuration
	opts     Options
	out      Output
	journal  Journal
	registry *serve.Registry
	launcher *serve.Launcher

	shutdownOnce sync.Once

	mu        sync.Mutex
	state     State
	host      string
	port      int
	server    *serve.Server // set only when this run launched it
	weStarted bool
	tunnel    *tunnel.Session
}

// New prepares a run for the project in cfg. journal may be nil.
func New(cfg *core.Configuration, opts Options, out Output, journal Journal) *Orchestrator {
	if journal == nil {
		journal = nopJournal{}
	}
	registry := serve.NewProjectRegistry(cfg)
	return &Orchestrator{
		cfg:      cfg,
		opts:     opts,
		out:      out,
		journal:  journal,
		registry: registry,
		launcher: serve.NewLauncher(cfg, registry),
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// URL returns the public URL once the relay has announced it.
func (o *Orchestrator) URL() string {
	o.mu.Lock()
	t := o.tunnel
	o.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.URL()
}

// Target returns the local host and port being exposed, once decided.
func (o *Orchestrator) Target() (string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.host, o.port
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	slog.Debug("Orchestrator state changed", "from", prev.String(), "to", s.String())
}

// Run exposes the project's server until ctx is cancelled or the tunnel
// ends. It returns nil on a graceful stop, including an interrupt during
// startup, and the startup failure otherwise. Cleanup always runs, once.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer func() {
		o.Shutdown()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		outcome := "stopped"
		if err != nil {
			outcome = "failed"
		}
		if jerr := o.journal.End(outcome, err); jerr != nil {
			slog.Warn("Failed to record session end", "error", jerr)
		}
	}()

	o.out.Banner()

	binary := o.cfg.Relay.Binary
	if _, err := exec.LookPath(binary); err != nil {
		o.out.Error("SSH client not found", "Please install OpenSSH client to use XPOS")
		return fmt.Errorf("%w: %s", core.ErrSSHNotFound, binary)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if err := o.registry.Watch(watchCtx); err != nil {
		slog.Debug("Not watching server record", "error", err)
	}

	o.setState(StateDeterminingServer)
	host, port, err := o.determineServer(ctx)
	if err != nil {
		return err
	}

	o.setState(StateTunnelStarting)
	if err := o.startTunnel(ctx, host, port); err != nil {
		return err
	}

	o.setState(StateRunning)
	o.waitForEnd(ctx)
	return nil
}

func (o *Orchestrator) determineServer(ctx context.Context) (string, int, error) {
	host := o.opts.Host
	if host == "" {
		host = o.cfg.Serve.Host
	}
	port := o.opts.Port
	if port <= 0 {
		port = o.cfg.Serve.DefaultPort
	}

	if o.opts.NoServe {
		if !proc.IsListening(host, port, proc.DefaultProbeTimeout) {
			o.out.Error(fmt.Sprintf("No server running on %s:%d", host, port),
				"Start your server first or remove --no-serve flag")
			return "", 0, fmt.Errorf("%w on %s:%d", core.ErrNoServer, host, port)
		}
		o.out.Check("Using existing server on", serverURL(host, port))
		o.useServer(host, port, 0, nil)
		return host, port, nil
	}

	if existing, ok := o.registry.RunningPort(); ok {
		pid := 0
		if rec, err := o.registry.Record(); err == nil && rec != nil {
			pid = rec.PID
			if rec.Host != "" {
				host = rec.Host
			}
		}
		o.out.Check("Found running server on", serverURL(host, existing))
		o.useServer(host, existing, pid, nil)
		return host, existing, nil
	}

	o.out.Muted("Starting development server...")
	srv, err := o.launcher.Start(ctx, port, host)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.reportLaunchError(err)
		}
		return "", 0, err
	}

	o.out.Check("Server running on", serverURL(srv.Host, srv.Port))
	o.useServer(srv.Host, srv.Port, srv.PID, srv)
	return srv.Host, srv.Port, nil
}

func (o *Orchestrator) useServer(host string, port, pid int, srv *serve.Server) {
	o.mu.Lock()
	o.host, o.port = host, port
	if srv != nil {
		o.server = srv
		o.weStarted = true
	}
	o.mu.Unlock()

	started := srv != nil
	o.record(o.journal.Server(host, port, pid, started))
	event := "server_reused"
	if started {
		event = "server_started"
	}
	o.record(o.journal.Event(event, fmt.Sprintf("%s:%d pid %d", host, port, pid)))
}

func (o *Orchestrator) reportLaunchError(err error) {
	var launchErr *core.LaunchError
	switch {
	case errors.As(err, &launchErr):
		o.out.Error("Failed to start development server", launchErr.Stderr)
	case errors.Is(err, core.ErrProjectNotFound):
		o.out.Error(err.Error(), "Run xpos from the project root or set serve.marker in "+core.ConfigFileName)
	default:
		o.out.Error(err.Error())
	}
}

func (o *Orchestrator) startTunnel(ctx context.Context, host string, port int) error {
	o.out.Muted("Creating tunnel to XPOS...")

	opts := tunnel.OptionsFromConfig(o.cfg.Relay, host, port)
	opts.OnOutput = o.out.Muted

	sess, err := tunnel.Open(ctx, opts)
	if err != nil {
		o.out.Error("Tunnel connection failed", err.Error())
		return err
	}
	o.mu.Lock()
	o.tunnel = sess
	o.mu.Unlock()
	o.record(o.journal.Event("tunnel_opened", fmt.Sprintf("pid %d", sess.PID)))

	err = sess.WaitForURL(ctx, o.cfg.Relay.URLTimeout, o.out.Dot)
	switch {
	case err == nil:
		url := sess.URL()
		o.out.URL(url)
		o.record(o.journal.URL(url))
		o.record(o.journal.Event("tunnel_connected", url))
	case errors.Is(err, core.ErrTunnelURLUnconfirmed):
		o.out.Warn("Tunnel connected but URL not detected")
		o.out.Muted("Check the output above for your URL")
		o.record(o.journal.Event("tunnel_unconfirmed", ""))
	case errors.Is(err, context.Canceled):
		return err
	default:
		var tunnelErr *core.TunnelError
		if errors.As(err, &tunnelErr) {
			o.out.Error("Tunnel connection failed", strings.TrimSpace(tunnelErr.Stderr))
		} else {
			o.out.Error("Tunnel connection failed", err.Error())
		}
		o.record(o.journal.Event("tunnel_failed", err.Error()))
		return err
	}

	sess.MarkActive()
	return nil
}

// waitForEnd polls until the tunnel exits or ctx is cancelled.
func (o *Orchestrator) waitForEnd(ctx context.Context) {
	ticker := time.NewTicker(proc.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Interrupted, shutting down")
			return
		case <-ticker.C:
			if !o.tunnel.Running() {
				slog.Warn("Tunnel closed", "exit_code", o.tunnel.ExitCode())
				o.out.Warn("Tunnel closed by the relay")
				o.record(o.journal.Event("tunnel_closed", o.tunnel.ErrorOutput()))
				return
			}
		}
	}
}

// Shutdown stops the tunnel and, when this run launched it, the server and
// its record. It runs once no matter how often, or from where, it is called.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		sess, srv, weStarted, prev := o.tunnel, o.server, o.weStarted, o.state
		o.state = StateShuttingDown
		o.mu.Unlock()

		if prev == StateRunning {
			o.out.ShuttingDown()
		}
		o.record(o.journal.Event("shutdown", prev.String()))

		grace := o.cfg.StopGrace
		if sess != nil && sess.Running() {
			if err := sess.Stop(grace); err != nil {
				slog.Error("Failed to stop tunnel", "error", err)
			}
		}

		if weStarted && srv != nil {
			if err := srv.Stop(grace); err != nil {
				slog.Error("Failed to stop development server", "error", err)
			}
			if err := o.registry.Cleanup(); err != nil {
				slog.Error("Failed to remove server record", "error", err)
			}
		}

		o.setState(StateDone)
	})
}

func (o *Orchestrator) record(err error) {
	if err != nil {
		slog.Debug("Failed to write session history", "error", err)
	}
}

func serverURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}

type nopJournal struct{}

func (nopJournal) Event(string, string) error { return nil }
func (nopJournal) Server(string, int, int, bool) error { return nil }
func (nopJournal) URL(string) error { return nil }
func (nopJournal) End(string, error) error { return nil }

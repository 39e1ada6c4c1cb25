package serve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.olrik.dev/xpos/internal/core"
	"go.olrik.dev/xpos/internal/proc"
)

// outputLimit bounds how much server output is kept for diagnostics.
const outputLimit = 64 * 1024

// Launcher starts the project's development server.
type Launcher struct {
	ProjectPath  string
	Command      []string // argv with {host} and {port} placeholders
	Marker       string   // must exist in ProjectPath, empty disables the check
	PortAttempts int
	StartupGrace time.Duration
	Registry     *Registry
}

// NewLauncher builds a launcher from the serve section of cfg.
func NewLauncher(cfg *core.Configuration, registry *Registry) *Launcher {
	return &Launcher{
		ProjectPath:  cfg.ProjectPath,
		Command:      cfg.Serve.Command,
		Marker:       cfg.Serve.Marker,
		PortAttempts: cfg.Serve.PortAttempts,
		StartupGrace: cfg.Serve.StartupGrace,
		Registry:     registry,
	}
}

// Start launches the server on the first free port at or after preferredPort,
// waits the startup grace period and records it in the registry.
func (l *Launcher) Start(ctx context.Context, preferredPort int, host string) (*Server, error) {
	port, err := proc.FindAvailablePort(host, preferredPort, l.PortAttempts)
	if err != nil {
		return nil, err
	}

	if l.Marker != "" {
		marker := filepath.Join(l.ProjectPath, l.Marker)
		if _, err := os.Stat(marker); err != nil {
			return nil, fmt.Errorf("%w: %s not found in %s", core.ErrProjectNotFound, l.Marker, l.ProjectPath)
		}
	}

	if len(l.Command) == 0 {
		return nil, fmt.Errorf("no server command configured")
	}
	argv := expandCommand(l.Command, host, port)

	// No CommandContext: the server must outlive any startup deadline and is
	// stopped explicitly by its owner.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.ProjectPath
	cmd.Env = os.Environ()
	cmd.SysProcAttr = proc.SysProcAttr()
	// Forked workers may hold the output pipes after the leader is gone.
	cmd.WaitDelay = time.Second

	srv := &Server{
		Host:   host,
		Port:   port,
		cmd:    cmd,
		stdout: proc.NewTailBuffer(outputLimit),
		stderr: proc.NewTailBuffer(outputLimit),
		exited: make(chan struct{}),
	}
	cmd.Stdout = srv.stdout
	cmd.Stderr = srv.stderr

	if err := cmd.Start(); err != nil {
		return nil, &core.LaunchError{Stderr: err.Error()}
	}
	srv.PID = cmd.Process.Pid
	go srv.wait()

	slog.Info(fmt.Sprintf("Started development server (PID %d)", srv.PID), "command", strings.Join(argv, " "))

	select {
	case <-time.After(l.StartupGrace):
	case <-srv.exited:
	case <-ctx.Done():
		srv.Stop(time.Second)
		return nil, ctx.Err()
	}

	if !srv.Running() {
		slog.Debug("Dev server exited during startup", "pid", srv.PID, "exit_code", srv.ExitCode())
		return nil, &core.LaunchError{Stderr: srv.ErrorOutput()}
	}

	if l.Registry != nil {
		if err := l.Registry.WriteHost(host, port, srv.PID); err != nil {
			slog.Warn("Failed to record development server", "error", err)
		}
	}

	return srv, nil
}

func expandCommand(command []string, host string, port int) []string {
	r := strings.NewReplacer("{host}", host, "{port}", strconv.Itoa(port))
	argv := make([]string, len(command))
	for i, arg := range command {
		argv[i] = r.Replace(arg)
	}
	return argv
}

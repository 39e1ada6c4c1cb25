package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.olrik.dev/xpos/internal/console"
	"go.olrik.dev/xpos/internal/core"
	"go.olrik.dev/xpos/internal/db"
	"go.olrik.dev/xpos/internal/orchestrator"
)

// ReportedError wraps a failure the command has already explained to the
// user, so main only needs to set the exit code.
type ReportedError struct {
	Err error
}

func (e *ReportedError) Error() string { return e.Err.Error() }
func (e *ReportedError) Unwrap() error { return e.Err }

// IsReported tells main whether err still needs printing.
func IsReported(err error) bool {
	var r *ReportedError
	return errors.As(err, &r)
}

func NewRootCommand() *cobra.Command {
	var projectPath string
	var verbose int
	var opts orchestrator.Options

	rootCmd := &cobra.Command{
		Use:   "xpos",
		Short: "Expose your local development server through a public URL",
		Long: `xpos starts your project's development server (or finds one already running)
and opens a reverse SSH tunnel to the XPOS relay, which hands out a public
HTTPS URL. Press Ctrl+C to stop; anything xpos started is shut down again.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeConfig(projectPath, verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			cfg := core.Config
			printer := console.NewPrinter(cmd.OutOrStdout())

			var journal orchestrator.Journal
			history, session := openHistory(cfg)
			if history != nil {
				defer history.Close()
				journal = session
			}

			if err := orchestrator.New(cfg, opts, printer, journal).Run(ctx); err != nil {
				return &ReportedError{Err: err}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&projectPath, "project", "", "project root (default: current directory)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "preferred local port (default: serve.port, 8000)")
	rootCmd.Flags().StringVar(&opts.Host, "host", "", "local host to bind and expose (default: serve.host, 127.0.0.1)")
	rootCmd.Flags().BoolVar(&opts.NoServe, "no-serve", false, "expose a server you started yourself instead of launching one")

	rootCmd.AddCommand(
		NewStatusCommand(),
		NewStopCommand(),
		NewHistoryCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// initializeConfig resolves the project, loads its configuration and sets up
// logging. Flags win over the file, which wins over defaults.
func initializeConfig(projectPath string, verbose int) error {
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		projectPath = wd
	}
	projectPath, err := filepath.Abs(projectPath)
	if err != nil {
		return fmt.Errorf("invalid project path: %w", err)
	}

	cfg, err := core.LoadConfig(projectPath)
	if err != nil {
		return err
	}
	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}
	core.Config = cfg

	console.SetupLogging(cfg.Verbose, os.Stderr)
	slog.Debug("Configuration loaded", "project", cfg.ProjectPath, "relay", cfg.Relay.Server)
	return nil
}

// openHistory starts a history session for this run. History is optional:
// any failure is logged and the run goes on without it.
func openHistory(cfg *core.Configuration) (*db.DB, *db.SessionLog) {
	if cfg.HistoryPath == "" {
		return nil, nil
	}

	history, err := db.Open(cfg.HistoryPath)
	if err != nil {
		slog.Warn("Session history unavailable", "path", cfg.HistoryPath, "error", err)
		return nil, nil
	}
	session, err := history.StartSession(cfg.ProjectPath)
	if err != nil {
		slog.Warn("Session history unavailable", "error", err)
		history.Close()
		return nil, nil
	}
	return history, session
}

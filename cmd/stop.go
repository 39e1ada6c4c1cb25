package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/xpos/internal/core"
	"go.olrik.dev/xpos/internal/proc"
	"go.olrik.dev/xpos/internal/serve"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a development server left behind by an earlier run",
		Long: `Stop the development server recorded for this project and remove its record.

A normal xpos run stops the server it started on exit. Use this when a run was
killed before it could clean up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopRecorded(cmd.OutOrStdout(), serve.NewProjectRegistry(core.Config), core.Config.StopGrace)
		},
	}
}

func stopRecorded(w io.Writer, registry *serve.Registry, grace time.Duration) error {
	// Check removes a stale record on its way
	if !registry.Check() {
		fmt.Fprintln(w, "No running development server recorded")
		return nil
	}
	rec, err := registry.Record()
	if err != nil || rec == nil {
		fmt.Fprintln(w, "No running development server recorded")
		return nil
	}

	// Servers are started as process group leaders
	if err := proc.TerminatePID(rec.PID, grace, true); err != nil {
		return fmt.Errorf("failed to stop development server (PID %d): %w", rec.PID, err)
	}
	if err := registry.Cleanup(); err != nil {
		return fmt.Errorf("failed to remove %s: %w", registry.Path(), err)
	}

	fmt.Fprintf(w, "Stopped development server (PID %d) on port %d\n", rec.PID, rec.Port)
	return nil
}

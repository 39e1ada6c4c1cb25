package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/xpos/internal/core"
	"go.olrik.dev/xpos/internal/proc"
	"go.olrik.dev/xpos/internal/serve"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the development server recorded for this project",
		Long: `Show the development server xpos recorded for this project and whether it is
still alive. A record whose process is gone or whose port no longer answers is
removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeStatus(cmd.OutOrStdout(), serve.NewProjectRegistry(core.Config))
		},
	}
}

func writeStatus(w io.Writer, registry *serve.Registry) error {
	rec, err := registry.Record()
	if err != nil || rec == nil {
		fmt.Fprintf(w, "No development server recorded in %s\n", registry.Path())
		if err != nil {
			// Let the liveness check clear the unreadable record
			registry.Check()
		}
		return nil
	}

	serving := registry.Check()
	fmt.Fprintf(w, "Record:    %s\n", registry.Path())
	fmt.Fprintf(w, "Server:    PID %d on port %d\n", rec.PID, rec.Port)
	fmt.Fprintf(w, "Started:   %s (%s ago)\n", rec.Started().Format(time.DateTime), time.Since(rec.Started()).Round(time.Second))

	if !serving {
		fmt.Fprintln(w, "Status:    stale, record removed")
		return nil
	}
	fmt.Fprintln(w, "Status:    serving")

	if ports, err := proc.ListeningPorts(rec.PID); err == nil && len(ports) > 0 {
		list := make([]string, len(ports))
		for i, p := range ports {
			list[i] = fmt.Sprint(p)
		}
		fmt.Fprintf(w, "Listening: %s\n", strings.Join(list, ", "))
	}
	return nil
}

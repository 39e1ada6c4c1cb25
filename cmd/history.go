package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/xpos/internal/core"
	"go.olrik.dev/xpos/internal/db"
)

func NewHistoryCommand() *cobra.Command {
	var limit int
	var all bool

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent tunnel sessions",
		Long: `List recent xpos sessions from the local history database, newest first.
By default only sessions of the current project are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config
			if cfg.HistoryPath == "" {
				return fmt.Errorf("session history is disabled (history = \"\" in %s)", core.ConfigFileName)
			}

			history, err := db.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer history.Close()

			project := cfg.ProjectPath
			if all {
				project = ""
			}
			return writeHistory(cmd.OutOrStdout(), history, project, limit)
		},
	}

	historyCmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of sessions to show")
	historyCmd.Flags().BoolVarP(&all, "all", "a", false, "include sessions of every project")

	return historyCmd
}

func writeHistory(w io.Writer, history *db.DB, project string, limit int) error {
	// Filtering happens here, so fetch generously when limited to one project
	fetch := limit
	if project != "" {
		fetch = limit * 10
	}
	sessions, err := history.RecentSessions(fetch)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tPROJECT\tPORT\tURL\tDURATION\tOUTCOME")

	shown := 0
	for _, s := range sessions {
		if project != "" && s.Project != project {
			continue
		}
		if shown == limit {
			break
		}
		shown++

		url := s.URL
		if url == "" {
			url = "-"
		}
		outcome := s.Outcome
		if outcome == "" {
			outcome = "running"
		}
		if s.Error != "" {
			outcome += ": " + s.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			s.StartedAt.Local().Format(time.DateTime),
			filepath.Base(s.Project),
			s.Port,
			url,
			s.Duration().Round(time.Second),
			outcome,
		)
	}

	if shown == 0 {
		fmt.Fprintln(w, "No sessions recorded yet")
		return nil
	}
	return tw.Flush()
}

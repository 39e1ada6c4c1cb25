// Package console owns everything xpos writes to the terminal: structured
// logs on stderr and the styled progress output on stdout.
package console

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// LevelFor maps the -v count to a log level. Without -v only warnings and
// errors are logged, since the Printer already narrates progress.
func LevelFor(verbose int) slog.Level {
	switch {
	case verbose <= 0:
		return slog.LevelWarn
	case verbose == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// SetupLogging installs a tint handler on w as the default slog logger.
func SetupLogging(verbose int, w io.Writer) {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      LevelFor(verbose),
		TimeFormat: time.DateTime,
		NoColor:    !IsTerminal(w),
	})
	slog.SetDefault(slog.New(handler))
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

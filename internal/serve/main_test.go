package serve

import (
	"log/slog"
	"os"
	"testing"

	"go.olrik.dev/xpos/internal/testutil/fakeproc"
)

func TestMain(m *testing.M) {
	fakeproc.Run()
	os.Exit(m.Run())
}

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

package serve

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChecks answers a registry's liveness checks and counts how often each is
// consulted.
type stubChecks struct {
	alive, listening bool
	aliveCalls       int
	listenCalls      int
	listenHost       string
}

func newStubRegistry(t *testing.T, checks *stubChecks) *Registry {
	t.Helper()
	r := NewRegistry(filepath.Join(t.TempDir(), ".xpos.pid"), "127.0.0.1")
	r.isAlive = func(pid int) bool {
		checks.aliveCalls++
		return checks.alive
	}
	r.isListening = func(host string, port int, timeout time.Duration) bool {
		checks.listenCalls++
		checks.listenHost = host
		return checks.listening
	}
	return r
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRegistry_NoRecord(t *testing.T) {
	quietLogger(t)
	checks := &stubChecks{alive: true, listening: true}
	r := newStubRegistry(t, checks)

	assert.False(t, r.IsServing())
	port, ok := r.RunningPort()
	assert.False(t, ok)
	assert.Zero(t, port)
	assert.Zero(t, checks.aliveCalls, "no record means no liveness probing")
}

func TestRegistry_StaleRecord(t *testing.T) {
	tests := []struct {
		name      string
		alive     bool
		listening bool
	}{
		{"pid dead, port listening", false, true},
		{"pid alive, port closed", true, false},
		{"both gone", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quietLogger(t)
			checks := &stubChecks{alive: true, listening: true}
			r := newStubRegistry(t, checks)
			require.NoError(t, r.Write(8000, 4242))

			checks.alive, checks.listening = tt.alive, tt.listening
			r.Invalidate()

			assert.False(t, r.IsServing())
			assert.False(t, fileExists(r.Path()), "stale record must be deleted")
		})
	}
}

func TestRegistry_ServingIsCached(t *testing.T) {
	quietLogger(t)
	checks := &stubChecks{alive: true, listening: true}
	r := newStubRegistry(t, checks)
	require.NoError(t, os.WriteFile(r.Path(), []byte(`{"port": 8001, "pid": 77, "started_at": 1700000000}`), 0o644))

	assert.True(t, r.IsServing())
	assert.True(t, r.IsServing())
	assert.Equal(t, 1, checks.aliveCalls)
	assert.Equal(t, 1, checks.listenCalls)
}

func TestRegistry_RunningPortRevalidates(t *testing.T) {
	quietLogger(t)
	checks := &stubChecks{alive: true, listening: true}
	r := newStubRegistry(t, checks)
	require.NoError(t, r.Write(8002, 99))

	port, ok := r.RunningPort()
	require.True(t, ok)
	assert.Equal(t, 8002, port)

	// The process dies after the write; the cached "serving" from Write must not leak through.
	checks.alive = false
	port, ok = r.RunningPort()
	assert.False(t, ok)
	assert.Zero(t, port)
	assert.False(t, fileExists(r.Path()))
}

func TestRegistry_CheckIgnoresCachedVerdict(t *testing.T) {
	quietLogger(t)
	checks := &stubChecks{alive: true, listening: true}
	r := newStubRegistry(t, checks)
	require.NoError(t, r.Write(8006, 321))

	checks.alive = false
	assert.True(t, r.IsServing(), "IsServing answers from the cache")
	assert.False(t, r.Check())
	assert.False(t, fileExists(r.Path()))
	assert.Equal(t, 1, checks.aliveCalls)
}

func TestRegistry_ProbesRecordedHost(t *testing.T) {
	quietLogger(t)
	checks := &stubChecks{alive: true, listening: true}
	r := newStubRegistry(t, checks)
	require.NoError(t, r.WriteHost("192.168.1.5", 8007, 321))

	assert.True(t, r.Check())
	assert.Equal(t, "192.168.1.5", checks.listenHost)

	rec, err := r.Record()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", rec.Host)

	// Records without a host are probed on the registry's host.
	require.NoError(t, os.WriteFile(r.Path(), []byte(`{"port": 8008, "pid": 9, "started_at": 1}`), 0o644))
	r.Invalidate()
	assert.True(t, r.Check())
	assert.Equal(t, "127.0.0.1", checks.listenHost)
}

func TestRegistry_WriteFormat(t *testing.T) {
	quietLogger(t)
	r := newStubRegistry(t, &stubChecks{})

	before := time.Now().Unix()
	require.NoError(t, r.Write(8003, 1234))

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 8003, raw["port"])
	assert.EqualValues(t, 1234, raw["pid"])
	assert.Equal(t, "127.0.0.1", raw["host"])
	assert.GreaterOrEqual(t, int64(raw["started_at"].(float64)), before)

	assert.False(t, fileExists(r.Path()+".tmp"), "temp file must be renamed away")

	rec, err := r.Record()
	require.NoError(t, err)
	assert.Equal(t, 8003, rec.Port)
	assert.Equal(t, 1234, rec.PID)
}

func TestRegistry_CorruptRecord(t *testing.T) {
	tests := map[string]string{
		"not json":    "port=8000",
		"missing pid": `{"port": 8000}`,
		"zero port":   `{"port": 0, "pid": 12}`,
		"empty":       ``,
		"wrong types": `{"port": "eight", "pid": 12}`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			quietLogger(t)
			r := newStubRegistry(t, &stubChecks{alive: true, listening: true})
			require.NoError(t, os.WriteFile(r.Path(), []byte(content), 0o644))

			assert.False(t, r.IsServing())
			assert.False(t, fileExists(r.Path()))
		})
	}
}

func TestRegistry_CleanupIdempotent(t *testing.T) {
	quietLogger(t)
	r := newStubRegistry(t, &stubChecks{alive: true, listening: true})
	require.NoError(t, r.Write(8004, 5))

	require.NoError(t, r.Cleanup())
	assert.False(t, fileExists(r.Path()))
	assert.False(t, r.IsServing())

	require.NoError(t, r.Cleanup())
	assert.False(t, fileExists(r.Path()))
	assert.False(t, r.IsServing())
}

func TestRegistry_RealChecks(t *testing.T) {
	quietLogger(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	r := NewRegistry(filepath.Join(t.TempDir(), ".xpos.pid"), "127.0.0.1")
	require.NoError(t, r.Write(port, os.Getpid()))

	got, ok := r.RunningPort()
	require.True(t, ok)
	assert.Equal(t, port, got)

	ln.Close()
	_, ok = r.RunningPort()
	assert.False(t, ok)
	assert.False(t, fileExists(r.Path()))
}

func TestRegistry_WatchInvalidatesOnExternalChange(t *testing.T) {
	quietLogger(t)
	checks := &stubChecks{alive: true, listening: true}
	r := newStubRegistry(t, checks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx))

	assert.False(t, r.IsServing())

	// Another invocation writes a record behind our back.
	require.NoError(t, os.WriteFile(r.Path(), []byte(`{"port": 8005, "pid": 6, "started_at": 1}`), 0o644))

	assert.Eventually(t, r.IsServing, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(r.Path()))
	assert.Eventually(t, func() bool { return !r.IsServing() }, 2*time.Second, 20*time.Millisecond)
}

package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.olrik.dev/xpos/internal/core"
	"go.olrik.dev/xpos/internal/proc"
)

// Record is the persisted view of a server this project started.
type Record struct {
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	StartedAt int64  `json:"started_at"`
}

// Started returns StartedAt as a time.
func (r Record) Started() time.Time {
	return time.Unix(r.StartedAt, 0)
}

var errCorruptRecord = errors.New("corrupt server record")

// Registry tracks the local server for one project directory through a small
// JSON file in the project root. The record and the serving verdict are cached
// per instance; any write, cleanup or detected staleness drops the cache.
//
// Two invocations racing on the same project are not coordinated.
type Registry struct {
	path    string
	host    string
	timeout time.Duration

	// Overridable in tests.
	isAlive     func(pid int) bool
	isListening func(host string, port int, timeout time.Duration) bool

	mu      sync.Mutex
	cached  *Record
	serving *bool
}

// NewRegistry creates a registry for the record at path. Ports are probed on host.
func NewRegistry(path, host string) *Registry {
	return &Registry{
		path:        path,
		host:        host,
		timeout:     proc.DefaultProbeTimeout,
		isAlive:     proc.IsAlive,
		isListening: proc.IsListening,
	}
}

// NewProjectRegistry creates a registry for the record file of cfg's project.
func NewProjectRegistry(cfg *core.Configuration) *Registry {
	return NewRegistry(cfg.RecordPath(), cfg.Serve.Host)
}

// Path returns the record file location.
func (r *Registry) Path() string {
	return r.path
}

// IsServing reports whether the recorded server is alive and its port is
// listening. A record failing either check is deleted. The verdict is cached
// until the record changes; use Check for a fresh answer.
func (r *Registry) IsServing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isServingLocked()
}

// Check drops the cached verdict and probes the recorded server again.
func (r *Registry) Check() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.serving = nil
	return r.isServingLocked()
}

// RunningPort returns the recorded port after re-verifying the server. It
// never answers from a cached verdict.
func (r *Registry) RunningPort() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.serving = nil
	if !r.isServingLocked() {
		return 0, false
	}
	return r.cached.Port, true
}

// Record returns the persisted record without checking liveness.
func (r *Registry) Record() (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.readLocked()
	if rec == nil {
		return nil, err
	}
	cp := *rec
	return &cp, err
}

// Write replaces the record with {port, pid, now} for a server bound to the
// registry's host.
func (r *Registry) Write(port, pid int) error {
	return r.WriteHost(r.host, port, pid)
}

// WriteHost is Write for a server bound to host. Later liveness checks probe
// the port on that host.
func (r *Registry) WriteHost(host string, port, pid int) error {
	rec := Record{Host: host, Port: port, PID: pid, StartedAt: time.Now().Unix()}

	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal server record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Atomic write: readers see the old record or the new one, never half of it.
	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write server record temp file: %w", err)
	}
	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename server record: %w", err)
	}

	serving := true
	r.cached = &rec
	r.serving = &serving
	slog.Debug("Server record written", "path", r.path, "port", port, "pid", pid)
	return nil
}

// Cleanup removes the record if present. Calling it again is a no-op.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupLocked()
}

// Invalidate drops the cached record and verdict.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.serving = nil
	r.mu.Unlock()
}

func (r *Registry) isServingLocked() bool {
	if r.serving != nil {
		return *r.serving
	}

	rec, err := r.readLocked()
	if err != nil {
		slog.Warn("Discarding unreadable server record", "path", r.path, "error", err)
		r.cleanupLocked()
		return r.setServing(false)
	}
	if rec == nil {
		return r.setServing(false)
	}

	// Both checks are needed: the pid may have been recycled by an unrelated
	// process, and the port may have been taken by something else.
	if !r.isAlive(rec.PID) {
		slog.Info("Recorded server process is gone, removing stale record", "pid", rec.PID)
		r.cleanupLocked()
		return r.setServing(false)
	}
	host := rec.Host
	if host == "" {
		host = r.host
	}
	if !r.isListening(host, rec.Port, r.timeout) {
		slog.Info("Recorded server port is not listening, removing stale record", "port", rec.Port, "pid", rec.PID)
		r.cleanupLocked()
		return r.setServing(false)
	}

	return r.setServing(true)
}

func (r *Registry) setServing(v bool) bool {
	r.serving = &v
	return v
}

// readLocked returns (nil, nil) when there is no record.
func (r *Registry) readLocked() (*Record, error) {
	if r.cached != nil {
		return r.cached, nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read server record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if rec.Port <= 0 || rec.PID <= 0 {
		return nil, fmt.Errorf("%w: missing port or pid", errCorruptRecord)
	}

	r.cached = &rec
	return &rec, nil
}

func (r *Registry) cleanupLocked() error {
	r.cached = nil
	r.serving = nil

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove server record: %w", err)
	}
	return nil
}

// Watch invalidates the cache whenever the record file is created, changed or
// removed by someone else, until ctx is cancelled. The project directory is
// watched rather than the file so a record appearing later is noticed too.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create record watcher: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	name := filepath.Base(r.path)
	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				slog.Debug("Server record changed on disk", "event", event.Op.String(), "file", event.Name)
				r.Invalidate()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Server record watcher error", "error", err)
			}
		}
	}()

	return nil
}

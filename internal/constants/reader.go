package constants

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Reader serves the scope parsed from a file and swaps in a new one when the
// file changes. Getters only load an atomic pointer.
type Reader struct {
	path    string
	log     *slog.Logger
	current atomic.Pointer[Scope]

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

// Open reads path once. A missing or unparsable file is an error here; later
// refresh failures keep the last good scope.
func Open(path string, log *slog.Logger) (*Reader, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Reader{path: path, log: log.With(slog.String("component", "constants"))}
	if _, err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Static wraps an in-memory scope. Refresh is a no-op.
func Static(s *Scope) *Reader {
	r := &Reader{log: slog.Default()}
	r.current.Store(s)
	return r
}

// Path returns the watched file, empty for static readers.
func (r *Reader) Path() string { return r.path }

// Scope returns the current snapshot.
func (r *Reader) Scope() *Scope { return r.current.Load() }

// Refresh re-reads the file if its modification time or size changed and
// reports whether a new scope was installed. An empty file is ignored so a
// writer truncating before it writes does not blank the values.
func (r *Reader) Refresh() (bool, error) {
	if r.path == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("stat constants: %w", err)
	}
	if r.current.Load() != nil && info.ModTime().Equal(r.modTime) && info.Size() == r.size {
		return false, nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return false, fmt.Errorf("read constants: %w", err)
	}
	if len(data) == 0 && r.current.Load() != nil {
		return false, nil
	}

	scope, err := Parse(r.path, data)
	if err != nil {
		return false, fmt.Errorf("parse constants %s: %w", r.path, err)
	}

	r.current.Store(scope)
	r.modTime = info.ModTime()
	r.size = info.Size()
	return true, nil
}

// Watch polls Refresh until ctx is done.
func (r *Reader) Watch(ctx context.Context, interval time.Duration) {
	if r.path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := r.Refresh()
			if err != nil {
				r.log.Warn("constants refresh failed", slog.String("error", err.Error()))
				continue
			}
			if changed {
				r.log.Info("constants reloaded", slog.Int("keys", r.Scope().Len()))
			}
		}
	}
}

func (r *Reader) Lookup(name string) (Value, bool) { return r.Scope().Lookup(name) }
func (r *Reader) GetBool(name string) bool { return r.Scope().GetBool(name) }
func (r *Reader) GetDouble(name string) float64 { return r.Scope().GetDouble(name) }
func (r *Reader) GetInt(name string) int { return r.Scope().GetInt(name) }
func (r *Reader) GetUint(name string) uint32 { return r.Scope().GetUint(name) }
func (r *Reader) GetString(name string) string { return r.Scope().GetString(name) }
func (r *Reader) GetObj(name string) *Scope { return r.Scope().GetObj(name) }

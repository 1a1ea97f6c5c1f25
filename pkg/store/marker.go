package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MarkerName is the catalog version marker. Only its mtime is meaningful.
const MarkerName = ".catalog-version"

// Marker wraps the directory-level version marker shared by every process
// using the same catalog directory.
type Marker struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// NewMarker returns the marker for dir.
func NewMarker(dir string) *Marker {
	return &Marker{path: filepath.Join(dir, MarkerName), clock: time.Now}
}

// WithClock overrides the clock used for new stamps.
func (m *Marker) WithClock(clock func() time.Time) *Marker {
	m.clock = clock
	return m
}

// Path returns the marker file location.
func (m *Marker) Path() string { return m.path }

// Stamp returns the marker's current mtime, or the zero time when it does
// not exist yet.
func (m *Marker) Stamp() (time.Time, error) {
	info, err := os.Stat(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat marker: %w", err)
	}
	return info.ModTime(), nil
}

// Touch advances the marker mtime and returns the stamp it replaced along
// with the new one. The new stamp is always at least one millisecond after
// the previous one so that writes inside one clock tick still register.
func (m *Marker) Touch() (prev, next time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err = m.Stamp()
	if err != nil {
		return prev, next, err
	}
	next = m.clock().UTC().Truncate(time.Millisecond)
	if floor := prev.Add(time.Millisecond); !prev.IsZero() && !next.After(prev) {
		next = floor.UTC().Truncate(time.Millisecond)
	}

	//nolint:gosec // G306: 0644 is intentional for the shared marker file
	if err := os.WriteFile(m.path, []byte(next.Format(time.RFC3339Nano)+"\n"), 0644); err != nil {
		return prev, next, fmt.Errorf("write marker: %w", err)
	}
	if err := os.Chtimes(m.path, next, next); err != nil {
		return prev, next, fmt.Errorf("chtimes marker: %w", err)
	}
	return prev, next, nil
}

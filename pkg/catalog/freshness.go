package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

// Freshness decides when the in-memory index must be rebuilt from disk.
type Freshness interface {
	// Changed reports whether the catalog may have changed since the last
	// Observe.
	Changed(ctx context.Context) (bool, error)
	// Observe records the marker stamp a completed load was based on.
	Observe(stamp time.Time)
	// Advance records a marker transition caused by this process. The new
	// stamp is adopted only if prev is the stamp last observed; otherwise
	// someone else wrote in between and the next read must rescan.
	Advance(ctx context.Context, prev, next time.Time)
	// Invalidate forces the next Changed to report true.
	Invalidate()
}

// MarkerFreshness compares the marker mtime against the last observed one.
// It costs one stat per read.
type MarkerFreshness struct {
	marker *store.Marker

	mu    sync.Mutex
	last  time.Time
	seen  bool
	dirty bool
}

// NewMarkerFreshness watches m.
func NewMarkerFreshness(m *store.Marker) *MarkerFreshness {
	return &MarkerFreshness{marker: m}
}

func (f *MarkerFreshness) Changed(ctx context.Context) (bool, error) {
	f.mu.Lock()
	if f.dirty || !f.seen {
		f.mu.Unlock()
		return true, nil
	}
	last := f.last
	f.mu.Unlock()

	cur, err := f.marker.Stamp()
	if err != nil {
		return true, err
	}
	return !cur.Equal(last), nil
}

func (f *MarkerFreshness) Observe(stamp time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = stamp
	f.seen = true
	f.dirty = false
}

func (f *MarkerFreshness) Advance(_ context.Context, prev, next time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && !f.dirty && prev.Equal(f.last) {
		f.last = next
		return
	}
	f.dirty = true
}

func (f *MarkerFreshness) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty = true
}

// StaticFreshness reports whatever it is told. Tests use it to force or
// suppress rescans deterministically.
type StaticFreshness struct {
	mu    sync.Mutex
	stale bool
}

// NewStaticFreshness starts stale so the first read loads.
func NewStaticFreshness() *StaticFreshness {
	return &StaticFreshness{stale: true}
}

func (f *StaticFreshness) Changed(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func (f *StaticFreshness) Observe(time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = false
}

func (f *StaticFreshness) Advance(context.Context, time.Time, time.Time) {}

func (f *StaticFreshness) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = true
}

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm/instructions/pkg/governance"
	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

const (
	DefaultSelfHealAttempts = 3
	DefaultSelfHealBackoff  = 25 * time.Millisecond
)

// Options configure a Service. Zero values select defaults.
type Options struct {
	Freshness        Freshness
	SelfHealAttempts int
	SelfHealBackoff  time.Duration
	Logger           *slog.Logger
}

// Service is the single owner of a process's view of one catalog
// directory. Concurrent writers in other processes resolve by last write
// wins at the file level; the service only guarantees that it notices them.
type Service struct {
	store     *store.FileStore
	loader    *Loader
	freshness Freshness
	attempts  int
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu     sync.RWMutex
	index  map[string]*instruction.Entry
	ids    []string
	hash   string
	debug  Debug
	loaded bool
	// gen counts in-process index edits; a scan that started before the
	// latest edit must not replace the index.
	gen uint64

	afterScan func()
}

// NewService builds a service over s. Nothing is read until the first call.
func NewService(s *store.FileStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "catalog")
	}
	fresh := opts.Freshness
	if fresh == nil {
		fresh = NewMarkerFreshness(s.Marker())
	}
	attempts := opts.SelfHealAttempts
	if attempts <= 0 {
		attempts = DefaultSelfHealAttempts
	}
	backoff := opts.SelfHealBackoff
	if backoff <= 0 {
		backoff = DefaultSelfHealBackoff
	}
	return &Service{
		store:     s,
		loader:    NewLoader(s, logger),
		freshness: fresh,
		attempts:  attempts,
		limiter:   rate.NewLimiter(rate.Every(backoff), 1),
		logger:    logger,
		index:     make(map[string]*instruction.Entry),
	}
}

// Store returns the underlying entry store.
func (s *Service) Store() *store.FileStore { return s.store }

// Freshness returns the staleness detector in use.
func (s *Service) Freshness() Freshness { return s.freshness }

// EnsureFresh rescans when the freshness check says the directory moved.
func (s *Service) EnsureFresh(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()

	changed, err := s.freshness.Changed(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "catalog: freshness check failed, rescanning", "error", err)
		changed = true
	}
	if loaded && !changed {
		return nil
	}
	_, err = s.Reload(ctx)
	return err
}

// Reload performs a full rescan and replaces the index. A scan overtaken by
// an Upsert or Delete is discarded and retried.
func (s *Service) Reload(ctx context.Context) (Debug, error) {
	for attempt := 1; ; attempt++ {
		s.mu.RLock()
		gen := s.gen
		s.mu.RUnlock()

		snap, err := s.loader.Load(ctx)
		if err != nil {
			return Debug{}, fmt.Errorf("catalog: load: %w", err)
		}
		if s.afterScan != nil {
			s.afterScan()
		}

		index := make(map[string]*instruction.Entry, len(snap.Entries))
		for _, e := range snap.Entries {
			index[e.ID] = e
		}
		hash, err := governance.Hash(snap.Entries)
		if err != nil {
			return Debug{}, err
		}

		s.mu.Lock()
		if s.gen != gen {
			if attempt < s.attempts {
				s.mu.Unlock()
				s.logger.DebugContext(ctx, "catalog: index edited during scan, rescanning", "attempt", attempt)
				continue
			}
			// Keep the newer in-process view and rescan on next use.
			s.freshness.Invalidate()
			s.mu.Unlock()
			s.logger.WarnContext(ctx, "catalog: scan kept losing to index edits", "attempts", attempt)
			return snap.Debug, nil
		}
		s.index = index
		s.ids = sortedIDs(index)
		s.hash = hash
		s.debug = snap.Debug
		s.loaded = true
		s.freshness.Observe(snap.Stamp)
		s.mu.Unlock()
		return snap.Debug, nil
	}
}

// Get returns a copy of the entry for id. With expect set, a miss while the
// record file exists triggers a few paced rescans before giving up, unless
// the last load already rejected that file.
func (s *Service) Get(ctx context.Context, id string, expect bool) (*instruction.Entry, bool, error) {
	if err := s.EnsureFresh(ctx); err != nil {
		return nil, false, err
	}
	if e, ok := s.lookup(id); ok {
		return e, true, nil
	}
	if !expect || !s.store.Exists(id) || s.rejected(id) {
		return nil, false, nil
	}

	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}
		s.logger.DebugContext(ctx, "catalog: self-heal rescan", "id", id, "attempt", attempt)
		if _, err := s.Reload(ctx); err != nil {
			return nil, false, err
		}
		if e, ok := s.lookup(id); ok {
			return e, true, nil
		}
		if s.rejected(id) {
			return nil, false, nil
		}
	}
	s.logger.WarnContext(ctx, "catalog: expected id still missing after self-heal", "id", id, "attempts", s.attempts)
	return nil, false, nil
}

// rejected reports whether the last load skipped the record file for id
// as invalid. Rescanning cannot make such a file appear.
func (s *Service) rejected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, te := range s.debug.Trace {
		if te.ID == id && te.Reason != ReasonIgnoredNonRecord {
			return true
		}
	}
	return false
}

func (s *Service) lookup(id string) (*instruction.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// List returns copies of all entries ordered by id.
func (s *Service) List(ctx context.Context) ([]*instruction.Entry, error) {
	if err := s.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

func (s *Service) snapshot() []*instruction.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*instruction.Entry, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.index[id].Clone())
	}
	return out
}

// Hash returns the current governance hash.
func (s *Service) Hash(ctx context.Context) (string, error) {
	if err := s.EnsureFresh(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash, nil
}

// Debug returns the trace of the most recent full load.
func (s *Service) Debug() Debug {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.debug
	d.Trace = append([]TraceEntry(nil), s.debug.Trace...)
	return d
}

// Upsert records a successful store write in the index.
func (s *Service) Upsert(ctx context.Context, e *instruction.Entry, t store.Touch) error {
	s.mu.Lock()
	if _, exists := s.index[e.ID]; !exists {
		s.index[e.ID] = nil
		s.ids = sortedIDs(s.index)
	}
	s.index[e.ID] = e.Clone()
	s.gen++
	err := s.rehashLocked()
	s.freshness.Advance(ctx, t.Prev, t.Next)
	s.mu.Unlock()
	return err
}

// Delete records a successful store removal in the index.
func (s *Service) Delete(ctx context.Context, id string, t store.Touch) error {
	s.mu.Lock()
	delete(s.index, id)
	s.ids = sortedIDs(s.index)
	s.gen++
	err := s.rehashLocked()
	s.freshness.Advance(ctx, t.Prev, t.Next)
	s.mu.Unlock()
	return err
}

func (s *Service) rehashLocked() error {
	entries := make([]*instruction.Entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	h, err := governance.Hash(entries)
	if err != nil {
		return err
	}
	s.hash = h
	return nil
}

func sortedIDs(index map[string]*instruction.Entry) []string {
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignalKey returns the redis counter key for a catalog directory.
func SignalKey(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	sum := sha256.Sum256([]byte(abs))
	return "helm:instructions:" + hex.EncodeToString(sum[:8]) + ":version"
}

// SignalFreshness layers a redis counter over another Freshness so that
// hosts which share a catalog through a network filesystem with unreliable
// mtimes still notice each other's writes. Redis failures degrade to the
// inner Freshness.
type SignalFreshness struct {
	inner  Freshness
	client *redis.Client
	key    string
	logger *slog.Logger

	mu        sync.Mutex
	last      int64
	candidate int64
}

// NewSignalFreshness wraps inner with the counter at key.
func NewSignalFreshness(inner Freshness, client *redis.Client, key string, logger *slog.Logger) *SignalFreshness {
	if logger == nil {
		logger = slog.Default().With("component", "catalog")
	}
	return &SignalFreshness{inner: inner, client: client, key: key, logger: logger, last: -1}
}

func (s *SignalFreshness) Changed(ctx context.Context) (bool, error) {
	changed, err := s.inner.Changed(ctx)
	n, rerr := s.client.Get(ctx, s.key).Int64()
	switch {
	case errors.Is(rerr, redis.Nil):
		n = 0
	case rerr != nil:
		s.logger.WarnContext(ctx, "catalog: version signal unavailable", "error", rerr)
		return changed, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidate = n
	return changed || n != s.last, err
}

func (s *SignalFreshness) Observe(stamp time.Time) {
	s.inner.Observe(stamp)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = s.candidate
}

func (s *SignalFreshness) Advance(ctx context.Context, prev, next time.Time) {
	s.inner.Advance(ctx, prev, next)
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		s.logger.WarnContext(ctx, "catalog: version signal publish failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.last+1 {
		s.last = n
	}
}

func (s *SignalFreshness) Invalidate() {
	s.inner.Invalidate()
}

package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dashfeed/internal/metrics"
)

// Store is the two-tier cache. The fast tier is authoritative for the process;
// the durable tier is optional and best-effort.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry

	durable  *DurableTier
	now      func() time.Time
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithDurable attaches a durable tier.
func WithDurable(d *DurableTier) Option {
	return func(s *Store) { s.durable = d }
}

// WithClock overrides the time source used for StoredAt and freshness.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for degraded durable operations.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRecorder reports lookups and stores per tier.
func WithRecorder(r *metrics.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// NewStore builds an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "cache"))
	if s.durable != nil {
		s.durable.logger = s.logger
		s.durable.recorder = s.recorder
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// IsFresh reports whether entry is younger than ttl right now.
func (s *Store) IsFresh(entry Entry, ttl time.Duration) bool {
	return IsFresh(entry, ttl, s.now())
}

// Get returns the entry for fingerprint from the fast tier or, failing that, the
// durable tier, without regard to freshness.
func (s *Store) Get(ctx context.Context, fingerprint string) (Entry, bool) {
	if entry, ok := s.fast(fingerprint); ok {
		return entry, true
	}
	if s.durable == nil {
		return Entry{}, false
	}
	return s.durable.Get(ctx, fingerprint)
}

// Lookup returns a fresh entry for fingerprint. A fresh durable hit is promoted
// into the fast tier before it is returned.
func (s *Store) Lookup(ctx context.Context, fingerprint string, ttl time.Duration) (Entry, bool) {
	now := s.now()

	entry, ok := s.fast(fingerprint)
	switch {
	case ok && IsFresh(entry, ttl, now):
		s.recorder.ObserveCacheLookup(metrics.TierFast, metrics.CacheLookupHit)
		return entry, true
	case ok:
		s.recorder.ObserveCacheLookup(metrics.TierFast, metrics.CacheLookupStale)
	default:
		s.recorder.ObserveCacheLookup(metrics.TierFast, metrics.CacheLookupMiss)
	}

	if s.durable == nil {
		return Entry{}, false
	}
	entry, ok = s.durable.Get(ctx, fingerprint)
	if !ok {
		s.recorder.ObserveCacheLookup(metrics.TierDurable, metrics.CacheLookupMiss)
		return Entry{}, false
	}
	if !IsFresh(entry, ttl, now) {
		s.recorder.ObserveCacheLookup(metrics.TierDurable, metrics.CacheLookupStale)
		return Entry{}, false
	}
	s.recorder.ObserveCacheLookup(metrics.TierDurable, metrics.CacheLookupHit)

	s.mu.Lock()
	// A newer write may have landed while the durable tier was consulted.
	if current, exists := s.entries[fingerprint]; !exists || current.StoredAt.Before(entry.StoredAt) {
		s.entries[fingerprint] = entry
	}
	s.mu.Unlock()
	return entry, true
}

// Put replaces the entry for fingerprint in both tiers. It never fails: the
// durable write is best-effort.
func (s *Store) Put(ctx context.Context, fingerprint string, payload any) Entry {
	entry := Entry{Fingerprint: fingerprint, Payload: payload, StoredAt: s.now()}

	s.mu.Lock()
	s.entries[fingerprint] = entry
	s.mu.Unlock()
	s.recorder.ObserveCacheStore(metrics.TierFast, metrics.CacheStoreStored)

	if s.durable != nil {
		s.durable.Put(ctx, entry)
	}
	return entry
}

// Clear empties the fast tier and the namespaced part of the durable tier.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.entries = make(map[string]Entry)
	s.mu.Unlock()

	if s.durable != nil {
		s.durable.Clear(ctx)
	}
}

// Stats reports entry counts for both tiers.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mu.RLock()
	stats := Stats{FastTierCount: len(s.entries)}
	s.mu.RUnlock()

	if s.durable != nil {
		stats.DurableTierCount, stats.DurableTierApproxBytes = s.durable.Stats(ctx)
	}
	return stats
}

func (s *Store) fast(fingerprint string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[fingerprint]
	return entry, ok
}

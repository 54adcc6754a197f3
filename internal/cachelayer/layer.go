// Package cachelayer composes the cache store, the request coalescer and the real
// fetch primitive into the read API used by the coordinator and the server.
package cachelayer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dashfeed/internal/cache"
	"dashfeed/internal/coalesce"
	"dashfeed/internal/fetcher"
	"dashfeed/internal/metrics"
)

// Layer is constructed once per process and shared by every consumer.
type Layer struct {
	store     *cache.Store
	flights   *coalesce.Group
	requester fetcher.Requester
	timeout   time.Duration
	logger    *slog.Logger
	recorder  *metrics.Recorder
}

// Option configures a Layer.
type Option func(*Layer)

// WithRequestTimeout bounds each real request.
func WithRequestTimeout(d time.Duration) Option {
	return func(l *Layer) { l.timeout = d }
}

// WithLogger sets the layer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

// WithRecorder reports coalescing metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(l *Layer) { l.recorder = r }
}

// New builds a Layer over requester and store.
func New(requester fetcher.Requester, store *cache.Store, opts ...Option) *Layer {
	l := &Layer{
		store:     store,
		requester: requester,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "cachelayer"))
	l.flights = coalesce.New(coalesce.WithTimeout(l.timeout), coalesce.WithRecorder(l.recorder))
	return l
}

// CachedFetch returns a fresh cached payload for req, or performs the request,
// stores the decoded payload and returns it.
func (l *Layer) CachedFetch(ctx context.Context, req fetcher.Request, ttl time.Duration) (any, error) {
	fingerprint := req.Fingerprint()
	if entry, ok := l.store.Lookup(ctx, fingerprint, ttl); ok {
		return entry.Payload, nil
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	return l.fetchAndStore(ctx, req, fingerprint)
}

// DeduplicatedFetch behaves like CachedFetch, but concurrent misses for the same
// fingerprint share a single real request.
func (l *Layer) DeduplicatedFetch(ctx context.Context, req fetcher.Request, ttl time.Duration) (any, error) {
	fingerprint := req.Fingerprint()
	if entry, ok := l.store.Lookup(ctx, fingerprint, ttl); ok {
		return entry.Payload, nil
	}

	return l.flights.Resolve(ctx, fingerprint, func(ctx context.Context) (any, error) {
		// A flight that settled between our lookup and registration may have filled the cache.
		if entry, ok := l.store.Lookup(ctx, fingerprint, ttl); ok {
			return entry.Payload, nil
		}
		return l.fetchAndStore(ctx, req, fingerprint)
	})
}

// IsCached reports whether req has a fresh entry.
func (l *Layer) IsCached(ctx context.Context, req fetcher.Request, ttl time.Duration) bool {
	_, ok := l.store.Lookup(ctx, req.Fingerprint(), ttl)
	return ok
}

// ClearCache drops every cached entry from both tiers.
func (l *Layer) ClearCache(ctx context.Context) {
	l.store.Clear(ctx)
	l.logger.Info("cache cleared")
}

// CacheStats reports tier sizes.
func (l *Layer) CacheStats(ctx context.Context) cache.Stats {
	return l.store.Stats(ctx)
}

// InFlight reports the number of real requests currently shared by the coalescer.
func (l *Layer) InFlight() int {
	return l.flights.InFlight()
}

func (l *Layer) fetchAndStore(ctx context.Context, req fetcher.Request, fingerprint string) (any, error) {
	resp, err := l.requester.Perform(ctx, req)
	if err != nil {
		var fe *fetcher.FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fetcher.NewTransportError(err)
	}
	if !resp.IsSuccess() {
		return nil, fetcher.NewUpstreamStatusError(resp.StatusCode, resp.Body)
	}

	payload, err := resp.Decode()
	if err != nil {
		return nil, err
	}
	if req.Check != nil {
		if err := req.Check(payload); err != nil {
			var fe *fetcher.FetchError
			if errors.As(err, &fe) {
				return nil, fe
			}
			return nil, fetcher.NewValidationError(err.Error())
		}
	}

	l.store.Put(ctx, fingerprint, payload)
	l.logger.Debug("cached upstream payload",
		slog.String("fingerprint", fingerprint),
		slog.Int("status", resp.StatusCode))
	return payload, nil
}

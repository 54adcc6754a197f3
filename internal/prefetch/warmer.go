// Package prefetch warms the cache in the background by aggregating the catalog in
// priority tiers, so that the first dashboard requests resolve from cache.
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dashfeed/internal/coordinator"
)

// Aggregator issues a batch of sources and merges the outcomes.
type Aggregator interface {
	Aggregate(ctx context.Context, sources []coordinator.Source) coordinator.Result
}

// Catalog resolves source names to definitions.
type Catalog interface {
	Lookup(name string) (coordinator.Source, bool)
}

// Warmer runs the warm-up at most once per process.
type Warmer struct {
	aggregator Aggregator
	catalog    Catalog
	logger     *slog.Logger

	once    sync.Once
	warming atomic.Bool
	primed  chan struct{}
	done    chan struct{}
}

// New creates a Warmer. A nil logger falls back to slog.Default.
func New(aggregator Aggregator, catalog Catalog, logger *slog.Logger) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{
		aggregator: aggregator,
		catalog:    catalog,
		logger:     logger.With(slog.String("component", "prefetch")),
		primed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Warm starts the warm-up and returns immediately. Tiers run one after the other,
// the sources of a tier concurrently. Only the first call has any effect.
func (w *Warmer) Warm(ctx context.Context, tiers [][]string) {
	w.once.Do(func() {
		w.warming.Store(true)
		go w.run(ctx, tiers)
	})
}

// IsWarming reports whether the first tier is still being fetched.
func (w *Warmer) IsWarming() bool {
	return w.warming.Load()
}

// Primed is closed once the first tier has settled.
func (w *Warmer) Primed() <-chan struct{} {
	return w.primed
}

// Done is closed once every tier has settled.
func (w *Warmer) Done() <-chan struct{} {
	return w.done
}

func (w *Warmer) run(ctx context.Context, tiers [][]string) {
	defer close(w.done)
	defer w.settleFirstTier()

	start := time.Now()
	for i, names := range tiers {
		if ctx.Err() != nil {
			w.logger.Info("warm-up cancelled", slog.Int("tier", i+1))
			return
		}

		batch := w.resolve(names)
		if len(batch) > 0 {
			result := w.aggregator.Aggregate(ctx, batch)
			w.logger.Info("warmed tier",
				slog.Int("tier", i+1),
				slog.Int("sources", len(batch)),
				slog.Int("failed", len(result.Errors)),
				slog.Duration("elapsed", time.Since(start)))
		}
		if i == 0 {
			w.settleFirstTier()
		}
	}
}

// resolve maps names to catalog sources, forcing parallel fan-out.
func (w *Warmer) resolve(names []string) []coordinator.Source {
	batch := make([]coordinator.Source, 0, len(names))
	for _, name := range names {
		src, ok := w.catalog.Lookup(name)
		if !ok {
			w.logger.Warn("skipping unknown warm-up source", slog.String("source", name))
			continue
		}
		src.FanOut = coordinator.FanOutParallel
		batch = append(batch, src)
	}
	return batch
}

func (w *Warmer) settleFirstTier() {
	if w.warming.CompareAndSwap(true, false) {
		close(w.primed)
	}
}

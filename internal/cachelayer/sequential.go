package cachelayer

import (
	"context"
	"log/slog"
	"time"

	"dashfeed/internal/fetcher"
	"dashfeed/internal/ratelimit"
)

// SequentialItem is one request in a throttled batch with its own TTL.
type SequentialItem struct {
	Request fetcher.Request
	TTL     time.Duration
}

// SequentialFetchAll fetches reqs one at a time, starting consecutive network
// calls at least delay apart. The result has one Outcome per request, in input order.
func (l *Layer) SequentialFetchAll(ctx context.Context, reqs []fetcher.Request, delay, ttl time.Duration) []fetcher.Outcome {
	items := make([]SequentialItem, len(reqs))
	for i, req := range reqs {
		items[i] = SequentialItem{Request: req, TTL: ttl}
	}
	return l.SequentialFetchEach(ctx, items, delay)
}

// SequentialFetchEach is SequentialFetchAll with a TTL per item.
//
// Cache hits are served without waiting and do not count against the delay. A
// failed item never stops the items after it.
func (l *Layer) SequentialFetchEach(ctx context.Context, items []SequentialItem, delay time.Duration) []fetcher.Outcome {
	outcomes := make([]fetcher.Outcome, len(items))
	limiter := ratelimit.Interval(delay)

	for i, item := range items {
		if entry, ok := l.store.Lookup(ctx, item.Request.Fingerprint(), item.TTL); ok {
			outcomes[i] = fetcher.Succeeded(entry.Payload)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			outcomes[i] = fetcher.Failed(fetcher.NewTransportError(err))
			continue
		}

		value, err := l.CachedFetch(ctx, item.Request, item.TTL)
		if err != nil {
			l.logger.Debug("sequential item failed",
				slog.Int("index", i),
				slog.String("target", item.Request.Target),
				slog.String("error", err.Error()))
			outcomes[i] = fetcher.Failed(err)
			continue
		}
		outcomes[i] = fetcher.Succeeded(value)
	}
	return outcomes
}

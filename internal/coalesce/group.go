// Package coalesce merges concurrent callers for the same fingerprint into one
// underlying call.
package coalesce

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"dashfeed/internal/metrics"
)

// Producer performs the real work for a fingerprint.
type Producer func(ctx context.Context) (any, error)

// Group tracks in-flight calls by fingerprint.
//
// The producer runs on a context detached from the caller that started it, bounded
// by the group timeout, so one caller giving up never cancels a call others are
// still waiting on. The flight is forgotten as soon as it settles, whether it
// succeeded, failed or panicked.
type Group struct {
	sf       singleflight.Group
	timeout  time.Duration
	inflight atomic.Int64
	recorder *metrics.Recorder
}

// Option configures a Group.
type Option func(*Group)

// WithTimeout bounds every producer run. Zero means no bound beyond the caller's values.
func WithTimeout(d time.Duration) Option {
	return func(g *Group) { g.timeout = d }
}

// WithRecorder counts callers that joined an existing flight.
func WithRecorder(r *metrics.Recorder) Option {
	return func(g *Group) { g.recorder = r }
}

// New returns an empty Group.
func New(opts ...Option) *Group {
	g := &Group{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolve returns the result of the flight for key, starting one with producer if
// none exists. If ctx ends first, Resolve returns ctx.Err() and the flight continues.
func (g *Group) Resolve(ctx context.Context, key string, producer Producer) (any, error) {
	detached := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(key, func() (value any, err error) {
		g.inflight.Add(1)
		defer g.inflight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				value, err = nil, fmt.Errorf("coalesce: producer for %s panicked: %v", key, r)
			}
		}()

		pctx := detached
		if g.timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(detached, g.timeout)
			defer cancel()
		}
		return producer(pctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.recorder.ObserveCoalesced()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight returns the number of producers currently running.
func (g *Group) InFlight() int {
	return int(g.inflight.Load())
}

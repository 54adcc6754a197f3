package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Built-in upstream names with known production limits.
const (
	// APIEtherscan represents the Etherscan API
	APIEtherscan = "etherscan"
	// APIAlphaVantage represents the AlphaVantage API
	APIAlphaVantage = "alphavantage"
	// APIRentcast represents the Rentcast API
	APIRentcast = "rentcast"
)

// DefaultRates holds conservative requests-per-second budgets for the built-in upstreams.
var DefaultRates = map[string]float64{
	// Etherscan: 4 requests per second (conservative, actual limit may be higher)
	APIEtherscan: 4,
	// AlphaVantage: 5 requests per minute on free tier = 1 request every 12 seconds
	APIAlphaVantage: 1.0 / 12.0,
	// Rentcast: 10 requests per second (conservative estimate)
	APIRentcast: 10,
}

// DefaultBursts holds the burst allowance for built-in upstreams. Unlisted upstreams get 1.
var DefaultBursts = map[string]int{
	// AlphaVantage: the per-minute quota may be spent at once
	APIAlphaVantage: 5,
}

// Registry manages token-bucket limits for each upstream.
// Upstreams without a registered limit are not limited.
type Registry struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
	}
}

// Set registers a limit for an upstream. A non-positive rate removes the limit.
func (r *Registry) Set(upstream string, perSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if perSecond <= 0 {
		delete(r.limiters, upstream)
		return
	}
	if burst < 1 {
		burst = 1
	}
	r.limiters[upstream] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Wait blocks until the limiter permits an event for the given upstream
// It returns an error if the context is canceled before the event can proceed
func (r *Registry) Wait(ctx context.Context, upstream string) error {
	limiter := r.get(upstream)
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// Allow reports whether an event for the given upstream may happen now
func (r *Registry) Allow(upstream string) bool {
	limiter := r.get(upstream)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

func (r *Registry) get(upstream string) *rate.Limiter {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[upstream]
}

// Interval returns a limiter that spaces consecutive events at least delay apart.
// The first event is allowed immediately. A non-positive delay never blocks.
func Interval(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

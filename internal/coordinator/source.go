package coordinator

import (
	"fmt"
	"strings"
	"time"

	"dashfeed/internal/fetcher"
)

// FanOut selects how a source is issued during aggregation.
type FanOut string

const (
	// FanOutParallel issues the source concurrently, coalesced with identical requests.
	FanOutParallel FanOut = "parallel"
	// FanOutSequential queues the source in its throttle group.
	FanOutSequential FanOut = "sequential"
	// FanOutBestEffort issues the source concurrently as a single uncoalesced fetch.
	FanOutBestEffort FanOut = "best-effort"
)

// ParseFanOut maps a configuration value to a FanOut. Empty means parallel.
func ParseFanOut(s string) (FanOut, error) {
	switch FanOut(strings.ToLower(strings.TrimSpace(s))) {
	case "", FanOutParallel:
		return FanOutParallel, nil
	case FanOutSequential, "sequential-throttled":
		return FanOutSequential, nil
	case FanOutBestEffort, "best-effort-single":
		return FanOutBestEffort, nil
	default:
		return "", fmt.Errorf("unknown fan-out %q", s)
	}
}

// Transform converts a cached upstream payload into the value published for a source.
type Transform func(payload any) (any, error)

// Source is one named entry of the aggregated document.
type Source struct {
	Name    string
	Request fetcher.Request
	FanOut  FanOut
	TTL     time.Duration
	// Group names the throttle queue for sequential sources; it defaults to the
	// request's upstream.
	Group string
	// Transform is optional. The raw payload is what gets cached.
	Transform Transform
}

func (s Source) fanOut() FanOut {
	if s.FanOut == "" {
		return FanOutParallel
	}
	return s.FanOut
}

func (s Source) group() string {
	if s.Group != "" {
		return s.Group
	}
	return s.Request.Upstream
}

// SourceError reports one failed source of an aggregation pass.
type SourceError struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

func (e SourceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

// Result is the merged document of one aggregation pass. Values holds every
// requested name; failed sources map to nil and have one entry in Errors.
type Result struct {
	Values map[string]any `json:"values"`
	Errors []SourceError  `json:"errors"`
}

// Failed reports whether name failed in this pass.
func (r Result) Failed(name string) bool {
	for _, e := range r.Errors {
		if e.Source == name {
			return true
		}
	}
	return false
}

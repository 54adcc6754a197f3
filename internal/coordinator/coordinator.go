package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"dashfeed/internal/cachelayer"
	"dashfeed/internal/fetcher"
	"dashfeed/internal/metrics"
)

// maxPrintedValue bounds how much of a payload Run prints per source.
const maxPrintedValue = 120

// Layer is the fetch API the coordinator issues sources through.
type Layer interface {
	CachedFetch(ctx context.Context, req fetcher.Request, ttl time.Duration) (any, error)
	DeduplicatedFetch(ctx context.Context, req fetcher.Request, ttl time.Duration) (any, error)
	SequentialFetchEach(ctx context.Context, items []cachelayer.SequentialItem, delay time.Duration) []fetcher.Outcome
}

// Coordinator fans sources out through the layer and merges the results
type Coordinator struct {
	layer        Layer
	sources      atomic.Pointer[[]Source]
	groupDelays  map[string]time.Duration
	defaultDelay time.Duration
	logger       *slog.Logger
	recorder     *metrics.Recorder
	out          io.Writer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGroupDelays sets the spacing between network calls per throttle group.
func WithGroupDelays(delays map[string]time.Duration) Option {
	return func(c *Coordinator) { c.groupDelays = delays }
}

// WithDefaultDelay sets the spacing for throttle groups without their own delay.
func WithDefaultDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.defaultDelay = d }
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithRecorder reports per-source outcomes.
func WithRecorder(r *metrics.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithOutput redirects Run's report. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(c *Coordinator) { c.out = w }
}

// New creates a new Coordinator over layer with the given source catalog
func New(layer Layer, sources []Source, opts ...Option) *Coordinator {
	c := &Coordinator{
		layer:  layer,
		logger: slog.Default(),
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "coordinator"))
	c.SetSources(sources)
	return c
}

// Sources returns the current catalog.
func (c *Coordinator) Sources() []Source {
	return *c.sources.Load()
}

// SetSources replaces the catalog used by Run and AggregateAll.
func (c *Coordinator) SetSources(sources []Source) {
	cp := append([]Source(nil), sources...)
	c.sources.Store(&cp)
}

// Lookup returns the catalog source called name.
func (c *Coordinator) Lookup(name string) (Source, bool) {
	for _, src := range c.Sources() {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// AggregateAll aggregates the whole catalog.
func (c *Coordinator) AggregateAll(ctx context.Context) Result {
	return c.Aggregate(ctx, c.Sources())
}

// Aggregate issues every source according to its fan-out class and merges the
// outcomes. It never fails as a whole: each failed source resolves to a nil value
// and one SourceError, in submission order.
//
// Parallel and best-effort sources each run in their own goroutine. Sequential
// sources are queued per throttle group, and each group runs in its own goroutine,
// so the call returns when the slowest class settles.
func (c *Coordinator) Aggregate(ctx context.Context, sources []Source) Result {
	outcomes := make([]fetcher.Outcome, len(sources))
	labels := labelSources(sources)
	valid := make([]bool, len(sources))
	groups := make(map[string][]int)
	var groupOrder []string

	var wg conc.WaitGroup
	for i, src := range sources {
		switch {
		case src.Name == "":
			outcomes[i] = fetcher.Failed(errors.New("source name required"))
			continue
		case labels[i] != src.Name:
			outcomes[i] = fetcher.Failed(fmt.Errorf("duplicate source name %q", src.Name))
			continue
		}
		valid[i] = true

		if src.fanOut() == FanOutSequential {
			g := src.group()
			if _, ok := groups[g]; !ok {
				groupOrder = append(groupOrder, g)
			}
			groups[g] = append(groups[g], i)
			continue
		}
		wg.Go(func() {
			outcomes[i] = c.runSingle(ctx, src)
		})
	}
	for _, g := range groupOrder {
		indices := groups[g]
		wg.Go(func() {
			c.runGroup(ctx, g, sources, indices, outcomes)
		})
	}
	wg.Wait()

	result := Result{
		Values: make(map[string]any, len(sources)),
		Errors: []SourceError{},
	}
	for i, src := range sources {
		outcome := outcomes[i]
		if outcome.OK() && src.Transform != nil {
			outcome = applyTransform(src.Transform, outcome.Value)
		}
		c.recorder.ObserveSource(string(src.fanOut()), outcome.OK())

		if outcome.OK() {
			result.Values[src.Name] = outcome.Value
			continue
		}
		if valid[i] {
			result.Values[src.Name] = nil
		}
		result.Errors = append(result.Errors, SourceError{Source: labels[i], Message: outcome.Err.Error()})
		c.logger.Info("source failed",
			slog.String("source", labels[i]),
			slog.String("fan_out", string(src.fanOut())),
			slog.String("error", outcome.Err.Error()))
	}
	return result
}

func (c *Coordinator) runSingle(ctx context.Context, src Source) (outcome fetcher.Outcome) {
	var pc panics.Catcher
	pc.Try(func() {
		var (
			value any
			err   error
		)
		if src.fanOut() == FanOutBestEffort {
			value, err = c.layer.CachedFetch(ctx, src.Request, src.TTL)
		} else {
			value, err = c.layer.DeduplicatedFetch(ctx, src.Request, src.TTL)
		}
		if err != nil {
			outcome = fetcher.Failed(err)
			return
		}
		outcome = fetcher.Succeeded(value)
	})
	if r := pc.Recovered(); r != nil {
		outcome = fetcher.Failed(r.AsError())
	}
	return outcome
}

func (c *Coordinator) runGroup(ctx context.Context, group string, sources []Source, indices []int, outcomes []fetcher.Outcome) {
	items := make([]cachelayer.SequentialItem, len(indices))
	for j, idx := range indices {
		items[j] = cachelayer.SequentialItem{Request: sources[idx].Request, TTL: sources[idx].TTL}
	}

	var pc panics.Catcher
	pc.Try(func() {
		results := c.layer.SequentialFetchEach(ctx, items, c.delayFor(group))
		for j, idx := range indices {
			if j < len(results) {
				outcomes[idx] = results[j]
			} else {
				outcomes[idx] = fetcher.Failed(errors.New("sequential batch returned no outcome"))
			}
		}
	})
	if r := pc.Recovered(); r != nil {
		for _, idx := range indices {
			outcomes[idx] = fetcher.Failed(r.AsError())
		}
	}
}

func (c *Coordinator) delayFor(group string) time.Duration {
	if d, ok := c.groupDelays[group]; ok {
		return d
	}
	return c.defaultDelay
}

func applyTransform(transform Transform, payload any) (outcome fetcher.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = fetcher.Failed(fetcher.NewValidationError(fmt.Sprintf("transform panicked: %v", r)))
		}
	}()
	value, err := transform(payload)
	if err != nil {
		var fe *fetcher.FetchError
		if !errors.As(err, &fe) {
			err = fetcher.NewValidationError(err.Error())
		}
		return fetcher.Failed(err)
	}
	return fetcher.Succeeded(value)
}

// Run aggregates the catalog and prints one line per source as:
//   - Success: "NAME: VALUE"
//   - Error: "NAME: ERROR - error message"
func (c *Coordinator) Run(ctx context.Context) error {
	sources := c.Sources()
	if len(sources) == 0 {
		return fmt.Errorf("no sources configured")
	}

	result := c.Aggregate(ctx, sources)
	failures := make(map[string]string, len(result.Errors))
	for _, e := range result.Errors {
		failures[e.Source] = e.Message
	}

	for i, label := range labelSources(sources) {
		if msg, failed := failures[label]; failed {
			fmt.Fprintf(c.out, "%s: ERROR - %s\n", label, msg)
			continue
		}
		fmt.Fprintf(c.out, "%s: %s\n", sources[i].Name, formatValue(result.Values[sources[i].Name]))
	}

	return nil
}

// labelSources names each entry for error reporting. Later occurrences of a
// repeated name become name#2, name#3 and so on, so their errors never shadow the
// entry that ran.
func labelSources(sources []Source) []string {
	labels := make([]string, len(sources))
	taken := make(map[string]bool, len(sources))
	for _, src := range sources {
		taken[src.Name] = true
	}
	counts := make(map[string]int, len(sources))
	for i, src := range sources {
		if src.Name == "" {
			continue
		}
		counts[src.Name]++
		if counts[src.Name] == 1 {
			labels[i] = src.Name
			continue
		}
		label := fmt.Sprintf("%s#%d", src.Name, counts[src.Name])
		for taken[label] {
			counts[src.Name]++
			label = fmt.Sprintf("%s#%d", src.Name, counts[src.Name])
		}
		taken[label] = true
		labels[i] = label
	}
	return labels
}

func formatValue(v any) string {
	switch value := v.(type) {
	case float64:
		return fmt.Sprintf("$%.2f", value)
	case nil:
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	if len(raw) > maxPrintedValue {
		return string(raw[:maxPrintedValue]) + "..."
	}
	return string(raw)
}

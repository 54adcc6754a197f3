package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"dashfeed/internal/cache"
	"dashfeed/internal/cachelayer"
	"dashfeed/internal/config"
	"dashfeed/internal/coordinator"
	"dashfeed/internal/fetcher"
	"dashfeed/internal/metrics"
	"dashfeed/internal/prefetch"
	"dashfeed/internal/ratelimit"
	"dashfeed/internal/server"
	"dashfeed/internal/sources"
)

// app is the wired service: one layer shared by the coordinator, warmer and HTTP surface.
type app struct {
	logger    *slog.Logger
	catalog   *sources.Catalog
	recorder  *metrics.Recorder
	requester *fetcher.HTTPRequester
	layer     *cachelayer.Layer
	coord     *coordinator.Coordinator
	warmer    *prefetch.Warmer
	closers   []func()
}

// newApp builds the stack from cfg. fsys backs the file cache backend and out
// receives the one-shot report.
func newApp(cfg *config.Config, logger *slog.Logger, fsys afero.Fs, out io.Writer) (*app, error) {
	catalog, err := sources.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	a := &app{
		logger:   logger,
		catalog:  catalog,
		recorder: metrics.NewRecorder(prometheus.NewRegistry()),
	}

	limits := ratelimit.NewRegistry()
	catalog.ApplyLimits(limits)

	a.requester = fetcher.NewHTTPRequester(catalog.Upstreams,
		fetcher.WithRetryCount(cfg.HTTP.RetryCount),
		fetcher.WithClientTimeout(cfg.Cache.RequestTimeout),
		fetcher.WithRateLimits(limits),
		fetcher.WithRecorder(a.recorder),
		fetcher.WithLogger(logger))
	a.closers = append(a.closers, func() { _ = a.requester.Close() })

	storeOpts := []cache.Option{cache.WithLogger(logger), cache.WithRecorder(a.recorder)}
	if durable := a.durableTier(cfg.Cache, fsys); durable != nil {
		storeOpts = append(storeOpts, cache.WithDurable(durable))
	}

	a.layer = cachelayer.New(a.requester, cache.NewStore(storeOpts...),
		cachelayer.WithRequestTimeout(cfg.Cache.RequestTimeout),
		cachelayer.WithLogger(logger),
		cachelayer.WithRecorder(a.recorder))

	a.coord = coordinator.New(a.layer, catalog.Sources,
		coordinator.WithGroupDelays(catalog.GroupDelays),
		coordinator.WithLogger(logger),
		coordinator.WithRecorder(a.recorder),
		coordinator.WithOutput(out))

	a.warmer = prefetch.New(a.coord, a.coord, logger)

	return a, nil
}

// durableTier opens the configured backend. A backend that cannot be opened is
// logged and the cache runs on the fast tier alone.
func (a *app) durableTier(cfg config.CacheConfig, fsys afero.Fs) *cache.DurableTier {
	switch cfg.Backend {
	case config.BackendNone:
		return nil
	case config.BackendValkey:
		storage, err := cache.NewValkeyStorage(cache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
		})
		if err != nil {
			a.logger.Warn("durable cache unavailable, using memory only",
				slog.String("backend", cfg.Backend),
				slog.String("error", err.Error()))
			return nil
		}
		a.closers = append(a.closers, storage.Close)
		return cache.NewDurableTier(storage, cfg.Namespace)
	default:
		storage, err := cache.NewFileStorage(fsys, cfg.Dir)
		if err != nil {
			a.logger.Warn("durable cache unavailable, using memory only",
				slog.String("backend", cfg.Backend),
				slog.String("dir", cfg.Dir),
				slog.String("error", err.Error()))
			return nil
		}
		return cache.NewDurableTier(storage, cfg.Namespace)
	}
}

// handler builds the HTTP surface over the app.
func (a *app) handler() http.Handler {
	return server.NewHandler(server.Routes{
		Aggregator: a.coord,
		Cache:      a.layer,
		Warmer:     a.warmer,
		Metrics:    a.recorder.Handler(),
		Logger:     a.logger,
	})
}

// reload swaps the source catalog after a config change. Upstreams, limits and the
// cache backend are fixed for the life of the process.
func (a *app) reload(cfg *config.Config) {
	catalog, err := sources.Build(cfg)
	if err != nil {
		a.logger.Error("config reload rejected", slog.String("error", err.Error()))
		return
	}
	a.coord.SetSources(catalog.Sources)
	a.catalog = catalog
	a.logger.Info("source catalog reloaded", slog.Int("sources", len(catalog.Sources)))
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

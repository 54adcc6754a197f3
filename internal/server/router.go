package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"dashfeed/internal/cache"
	"dashfeed/internal/coordinator"
)

// Aggregator serves the dashboard document and single sources.
type Aggregator interface {
	AggregateAll(ctx context.Context) coordinator.Result
	Aggregate(ctx context.Context, sources []coordinator.Source) coordinator.Result
	Lookup(name string) (coordinator.Source, bool)
}

// CacheAdmin exposes the cache maintenance operations.
type CacheAdmin interface {
	ClearCache(ctx context.Context)
	CacheStats(ctx context.Context) cache.Stats
}

// WarmStatus reports warm-up progress.
type WarmStatus interface {
	IsWarming() bool
}

// Routes holds what the HTTP surface is built from. Metrics may be nil.
type Routes struct {
	Aggregator Aggregator
	Cache      CacheAdmin
	Warmer     WarmStatus
	Metrics    http.Handler
	Logger     *slog.Logger
}

type api struct {
	Routes
}

// NewHandler wires the dashboard, admin and diagnostic endpoints.
func NewHandler(r Routes) http.Handler {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	a := &api{Routes: r}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/dashboard", a.dashboard)
	mux.HandleFunc("GET /api/sources/{name}", a.source)
	mux.HandleFunc("GET /api/cache/stats", a.cacheStats)
	mux.HandleFunc("POST /api/cache/clear", a.clearCache)
	mux.HandleFunc("GET /api/warming", a.warming)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if r.Metrics != nil {
		mux.Handle("GET /metrics", r.Metrics)
	}
	return mux
}

func (a *api) dashboard(w http.ResponseWriter, r *http.Request) {
	result := a.Aggregator.AggregateAll(r.Context())
	writeJSON(w, http.StatusOK, result)
}

type sourceResponse struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func (a *api) source(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	src, ok := a.Aggregator.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source "+name)
		return
	}

	result := a.Aggregator.Aggregate(r.Context(), []coordinator.Source{src})
	if len(result.Errors) > 0 {
		writeJSON(w, http.StatusBadGateway, result.Errors[0])
		return
	}
	writeJSON(w, http.StatusOK, sourceResponse{Name: name, Value: result.Values[name]})
}

func (a *api) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Cache.CacheStats(r.Context()))
}

func (a *api) clearCache(w http.ResponseWriter, r *http.Request) {
	a.Cache.ClearCache(r.Context())
	a.Logger.Info("cache cleared via api", slog.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) warming(w http.ResponseWriter, _ *http.Request) {
	warming := a.Warmer != nil && a.Warmer.IsWarming()
	writeJSON(w, http.StatusOK, map[string]bool{"warming": warming})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"resty.dev/v3"

	"dashfeed/internal/metrics"
	"dashfeed/internal/ratelimit"
)

const (
	// Default retry configuration
	defaultRetryCount       = 3
	defaultRetryWaitTime    = 1 * time.Second
	defaultRetryMaxWaitTime = 10 * time.Second
)

// Upstream describes one third-party API the requester can talk to.
type Upstream struct {
	Name    string
	BaseURL string
	// APIKey is injected as the APIKeyParam query parameter and/or APIKeyHeader header.
	APIKey       string
	APIKeyParam  string
	APIKeyHeader string
}

// HTTPRequester performs real requests over HTTP, one resty client per upstream.
type HTTPRequester struct {
	upstreams map[string]Upstream
	clients   map[string]*resty.Client
	direct    *resty.Client
	limits    *ratelimit.Registry
	recorder  *metrics.Recorder
	logger    *slog.Logger
}

// RequesterOption customises an HTTPRequester.
type RequesterOption func(*requesterSettings)

type requesterSettings struct {
	retryCount int
	timeout    time.Duration
	limits     *ratelimit.Registry
	recorder   *metrics.Recorder
	logger     *slog.Logger
}

// WithRetryCount overrides the number of retries per request.
func WithRetryCount(n int) RequesterOption {
	return func(s *requesterSettings) { s.retryCount = n }
}

// WithClientTimeout bounds every attempt made by the underlying clients.
func WithClientTimeout(d time.Duration) RequesterOption {
	return func(s *requesterSettings) { s.timeout = d }
}

// WithRateLimits applies per-upstream limits before every request.
func WithRateLimits(r *ratelimit.Registry) RequesterOption {
	return func(s *requesterSettings) { s.limits = r }
}

// WithRecorder reports upstream request metrics.
func WithRecorder(r *metrics.Recorder) RequesterOption {
	return func(s *requesterSettings) { s.recorder = r }
}

// WithLogger sets the requester logger.
func WithLogger(l *slog.Logger) RequesterOption {
	return func(s *requesterSettings) { s.logger = l }
}

// NewHTTPRequester builds a requester for the given upstreams.
func NewHTTPRequester(upstreams []Upstream, opts ...RequesterOption) *HTTPRequester {
	settings := requesterSettings{retryCount: defaultRetryCount}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.logger == nil {
		settings.logger = slog.Default()
	}

	h := &HTTPRequester{
		upstreams: make(map[string]Upstream, len(upstreams)),
		clients:   make(map[string]*resty.Client, len(upstreams)),
		direct:    NewHTTPClient("", settings.retryCount),
		limits:    settings.limits,
		recorder:  settings.recorder,
		logger:    settings.logger.With(slog.String("component", "requester")),
	}
	if settings.timeout > 0 {
		h.direct.SetTimeout(settings.timeout)
	}
	for _, up := range upstreams {
		client := NewHTTPClient(up.BaseURL, settings.retryCount)
		if up.APIKey != "" && up.APIKeyHeader != "" {
			client.SetHeader(up.APIKeyHeader, up.APIKey)
		}
		if settings.timeout > 0 {
			client.SetTimeout(settings.timeout)
		}
		h.upstreams[up.Name] = up
		h.clients[up.Name] = client
	}
	return h
}

// Close releases the idle connections held by every client.
func (h *HTTPRequester) Close() error {
	for _, c := range h.clients {
		_ = c.Close()
	}
	return h.direct.Close()
}

// Perform issues the request and returns the raw response.
func (h *HTTPRequester) Perform(ctx context.Context, req Request) (*Response, error) {
	client := h.direct
	var up Upstream
	if req.Upstream != "" {
		c, ok := h.clients[req.Upstream]
		if !ok {
			return nil, NewValidationError(fmt.Sprintf("unknown upstream %q", req.Upstream))
		}
		client, up = c, h.upstreams[req.Upstream]
	}

	if err := h.limits.Wait(ctx, req.Upstream); err != nil {
		return nil, NewTransportError(err)
	}

	query := make(map[string]string, len(req.Options.Query)+1)
	for k, v := range req.Options.Query {
		query[k] = v
	}
	if up.APIKey != "" && up.APIKeyParam != "" {
		query[up.APIKeyParam] = up.APIKey
	}

	r := client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetHeaders(req.Options.Headers)
	if len(req.Options.Body) > 0 {
		if _, ok := req.Options.Headers["Content-Type"]; !ok {
			r.SetHeader("Content-Type", "application/json")
		}
		r.SetBody(req.Options.Body)
	}

	start := time.Now()
	resp, err := r.Execute(req.Method(), req.Target)
	elapsed := time.Since(start)
	if err != nil {
		h.recorder.ObserveUpstream(req.Upstream, metrics.UpstreamTransportError, elapsed)
		h.logger.Debug("upstream request failed",
			slog.String("upstream", req.Upstream),
			slog.String("target", req.Target),
			slog.String("error", err.Error()))
		return nil, NewTransportError(err)
	}

	outcome := metrics.UpstreamSuccess
	if !resp.IsSuccess() {
		outcome = metrics.UpstreamStatusError
	}
	h.recorder.ObserveUpstream(req.Upstream, outcome, elapsed)

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Bytes(),
	}, nil
}

// NewHTTPClient creates a new HTTP client with retry logic and exponential backoff
func NewHTTPClient(baseURL string, retryCount int) *resty.Client {
	client := resty.New().
		SetHeader("Accept", "application/json").
		SetRetryCount(retryCount).
		SetRetryWaitTime(defaultRetryWaitTime).
		SetRetryMaxWaitTime(defaultRetryMaxWaitTime).
		AddRetryConditions(retryCondition).
		AddRetryHooks(retryHook)
	if baseURL != "" {
		client.SetBaseURL(baseURL)
	}

	return client
}

// retryCondition determines whether a request should be retried based on the response and error
func retryCondition(r *resty.Response, err error) bool {
	// Retry on network errors
	if err != nil {
		return true
	}

	// Retry on server errors (5xx)
	if r.StatusCode() >= 500 {
		return true
	}

	// Retry on rate limit (429)
	if r.StatusCode() == 429 {
		return true
	}

	// Retry on request timeout (408)
	if r.StatusCode() == 408 {
		return true
	}

	return false
}

// retryHook logs retry attempts for observability
func retryHook(r *resty.Response, err error) {
	if err != nil {
		slog.Debug("retrying request due to error",
			"url", r.Request.URL,
			"attempt", r.Request.Attempt,
			"error", err.Error())
		return
	}

	slog.Debug("retrying request due to status code",
		"url", r.Request.URL,
		"attempt", r.Request.Attempt,
		"status_code", r.StatusCode())
}

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"dashfeed/internal/ratelimit"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "query is sorted",
			req: Request{Upstream: "alphavantage", Options: Options{
				Query: map[string]string{"symbol": "AAPL", "function": "GLOBAL_QUOTE"},
			}},
			want: "alphavantage:GET ?function=GLOBAL_QUOTE&symbol=AAPL",
		},
		{
			name: "method is upper cased",
			req:  Request{Upstream: "llama", Target: "/fees", Options: Options{Method: "post"}},
			want: "llama:POST /fees",
		},
		{
			name: "absolute target without upstream",
			req:  Request{Target: "https://example.com/data"},
			want: ":GET https://example.com/data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Fingerprint(); got != tt.want {
				t.Errorf("Fingerprint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFingerprint_HeadersIgnoredBodyIncluded(t *testing.T) {
	base := Request{Upstream: "llama", Target: "/fees", Options: Options{Method: "POST", Body: []byte(`{"a":1}`)}}

	withHeader := base
	withHeader.Options.Headers = map[string]string{"Authorization": "Bearer secret"}
	if base.Fingerprint() != withHeader.Fingerprint() {
		t.Errorf("headers changed the fingerprint")
	}

	otherBody := base
	otherBody.Options.Body = []byte(`{"a":2}`)
	if base.Fingerprint() == otherBody.Fingerprint() {
		t.Errorf("different bodies share fingerprint %q", base.Fingerprint())
	}
	_, digest, found := strings.Cut(base.Fingerprint(), "#")
	if !found || len(digest) != 64 {
		t.Errorf("fingerprint %q should end in a 256-bit hex body digest", base.Fingerprint())
	}
}

func TestResponse_Decode(t *testing.T) {
	resp := &Response{StatusCode: 200, Body: []byte(`{"total": 5}`)}
	payload, err := resp.Decode()
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if payload.(map[string]any)["total"] != 5.0 {
		t.Errorf("Decode() = %v", payload)
	}

	empty := &Response{StatusCode: 204}
	if payload, err := empty.Decode(); err != nil || payload != nil {
		t.Errorf("empty body = (%v, %v), want (nil, nil)", payload, err)
	}

	_, err = (&Response{StatusCode: 200, Body: []byte(`<html>`)}).Decode()
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Type != ErrorTypeValidation {
		t.Errorf("invalid JSON error = %v, want validation error", err)
	}
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{429, ErrorTypeRateLimit, true},
		{500, ErrorTypeServer, true},
		{503, ErrorTypeServer, true},
		{404, ErrorTypeClient, false},
		{302, ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			fe := ClassifyHTTPError(tt.status)
			if fe.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", fe.Type, tt.wantType)
			}
			if fe.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", fe.Retryable, tt.retryable)
			}
			if !fe.IsUpstreamStatus() || fe.IsTransport() {
				t.Errorf("status error misclassified: %+v", fe)
			}
		})
	}
}

func TestNewTransportError(t *testing.T) {
	if fe := NewTransportError(context.DeadlineExceeded); fe.Type != ErrorTypeTimeout {
		t.Errorf("deadline classified as %s", fe.Type)
	}
	if fe := NewTransportError(errors.New("connection refused")); fe.Type != ErrorTypeNetwork {
		t.Errorf("refused classified as %s", fe.Type)
	}

	original := NewValidationError("bad")
	if fe := NewTransportError(fmt.Errorf("wrapped: %w", original)); fe != original {
		t.Errorf("existing FetchError was not preserved")
	}
}

func TestNewUpstreamStatusError_TrimsBody(t *testing.T) {
	body := strings.Repeat("x", maxBodyExcerpt+100)
	fe := NewUpstreamStatusError(502, []byte(body))
	if len(fe.Body) != maxBodyExcerpt {
		t.Errorf("body excerpt length = %d, want %d", len(fe.Body), maxBodyExcerpt)
	}
	if !strings.Contains(fe.Error(), "status 502") {
		t.Errorf("Error() = %q", fe.Error())
	}
}

func TestNewUpstreamStatusError_KeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; an odd prefix puts a rune across the cut.
	body := "x" + strings.Repeat("é", maxBodyExcerpt)
	fe := NewUpstreamStatusError(500, []byte(body))
	if !utf8.ValidString(fe.Body) {
		t.Errorf("body excerpt is not valid UTF-8: %q", fe.Body[len(fe.Body)-4:])
	}
	if len(fe.Body) != maxBodyExcerpt-1 {
		t.Errorf("body excerpt length = %d, want %d", len(fe.Body), maxBodyExcerpt-1)
	}
}

func TestDecodeInto(t *testing.T) {
	var out struct {
		Price  float64 `json:"price"`
		Ticker string  `json:"ticker"`
	}
	payload := map[string]any{"price": "12.5", "ticker": "AAPL"}
	if err := DecodeInto(payload, &out); err != nil {
		t.Fatalf("DecodeInto() error: %v", err)
	}
	if out.Price != 12.5 || out.Ticker != "AAPL" {
		t.Errorf("DecodeInto() = %+v", out)
	}

	err := DecodeInto([]any{1, 2}, &out)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Type != ErrorTypeValidation {
		t.Errorf("shape mismatch error = %v, want validation error", err)
	}
}

func TestHTTPRequester_InjectsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "query-key" && r.Header.Get("X-Api-Key") != "header-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path": %q}`, r.URL.Path)
	}))
	defer server.Close()

	h := NewHTTPRequester([]Upstream{
		{Name: "q", BaseURL: server.URL, APIKey: "query-key", APIKeyParam: "apikey"},
		{Name: "h", BaseURL: server.URL, APIKey: "header-key", APIKeyHeader: "X-Api-Key"},
		{Name: "none", BaseURL: server.URL},
	}, WithRetryCount(0))
	defer h.Close()

	tests := []struct {
		upstream string
		want     int
	}{
		{"q", http.StatusOK},
		{"h", http.StatusOK},
		{"none", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.upstream, func(t *testing.T) {
			resp, err := h.Perform(context.Background(), Request{Upstream: tt.upstream, Target: "/data"})
			if err != nil {
				t.Fatalf("Perform() error: %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHTTPRequester_DirectTargetAndBody(t *testing.T) {
	var gotMethod, gotBody, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	h := NewHTTPRequester(nil, WithRetryCount(0))
	defer h.Close()

	resp, err := h.Perform(context.Background(), Request{
		Target:  server.URL + "/graphql",
		Options: Options{Method: "POST", Body: []byte(`{"query":"{x}"}`)},
	})
	if err != nil {
		t.Fatalf("Perform() error: %v", err)
	}
	if !resp.IsSuccess() {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if gotMethod != http.MethodPost || gotBody != `{"query":"{x}"}` || gotType != "application/json" {
		t.Errorf("server saw %s %q (%s)", gotMethod, gotBody, gotType)
	}
}

func TestHTTPRequester_UnknownUpstream(t *testing.T) {
	h := NewHTTPRequester(nil, WithRetryCount(0))
	defer h.Close()

	_, err := h.Perform(context.Background(), Request{Upstream: "ghost", Target: "/"})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Type != ErrorTypeValidation {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestHTTPRequester_StatusIsNotAnError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	h := NewHTTPRequester([]Upstream{{Name: "api", BaseURL: server.URL}}, WithRetryCount(0))
	defer h.Close()

	resp, err := h.Perform(context.Background(), Request{Upstream: "api", Target: "/"})
	if err != nil {
		t.Fatalf("Perform() error: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError || string(resp.Body) != `{"error":"boom"}` {
		t.Errorf("response = %d %s", resp.StatusCode, resp.Body)
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times with retries disabled", calls.Load())
	}
}

func TestHTTPRequester_TransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	h := NewHTTPRequester([]Upstream{{Name: "slow", BaseURL: server.URL}},
		WithRetryCount(0), WithClientTimeout(50*time.Millisecond))
	defer h.Close()

	_, err := h.Perform(context.Background(), Request{Upstream: "slow", Target: "/"})
	var fe *FetchError
	if !errors.As(err, &fe) || !fe.IsTransport() {
		t.Errorf("error = %v, want transport error", err)
	}
}

func TestHTTPRequester_WaitsForRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	limits := ratelimit.NewRegistry()
	limits.Set("api", 10, 1)
	h := NewHTTPRequester([]Upstream{{Name: "api", BaseURL: server.URL}},
		WithRetryCount(0), WithRateLimits(limits))
	defer h.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := h.Perform(context.Background(), Request{Upstream: "api", Target: "/"}); err != nil {
			t.Fatalf("Perform() error: %v", err)
		}
	}
	// Burst 1 at 10/s: the second and third calls wait ~100ms each.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("three calls took %v, expected the limiter to space them", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Perform(ctx, Request{Upstream: "api", Target: "/"}); err == nil {
		t.Errorf("expected error for cancelled context")
	}
}

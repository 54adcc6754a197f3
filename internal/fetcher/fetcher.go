package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Requester is the real fetch primitive. The cache layer is its only caller.
// Perform returns a *FetchError of a transport type when no response was received;
// a non-success status is reported through Response, not through the error.
type Requester interface {
	Perform(ctx context.Context, req Request) (*Response, error)
}

// Request identifies one idempotent read against an upstream.
type Request struct {
	// Upstream selects the configured base URL, credentials and rate limit.
	// Empty means Target must be an absolute URL.
	Upstream string
	// Target is the resource path relative to the upstream base URL, or an absolute URL.
	Target  string
	Options Options
	// Check, when set, rejects a decoded payload before it is cached. Upstreams that
	// report failures inside a 200 body use it so those bodies are never stored.
	// It is not part of the fingerprint.
	Check func(payload any) error
}

// Options carries the non-identity parts of a request plus the body.
type Options struct {
	Method  string
	Query   map[string]string
	Headers map[string]string
	Body    []byte
}

// Response is the raw result of a completed request.
type Response struct {
	StatusCode int
	Body       []byte
}

// IsSuccess reports whether the status is in the 2xx range
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode parses the body as JSON. An empty body decodes to nil.
func (r *Response) Decode() (any, error) {
	if len(strings.TrimSpace(string(r.Body))) == 0 {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return payload, nil
}

// DecodeInto copies a decoded payload into out, matching fields by their json tags.
// Numeric strings are accepted for numeric fields.
func DecodeInto(payload any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(payload); err != nil {
		return NewValidationError(fmt.Sprintf("unexpected payload shape: %v", err))
	}
	return nil
}

// Method returns the HTTP method, defaulting to GET.
func (r Request) Method() string {
	if r.Options.Method == "" {
		return "GET"
	}
	return strings.ToUpper(r.Options.Method)
}

// Fingerprint returns the cache and coalescing key for this request.
// Format: {upstream}:{METHOD} {target}?{sorted query}#{body digest}
// Examples:
//   - alphavantage:GET ?function=GLOBAL_QUOTE&symbol=AAPL
//   - llama:POST /fees#<hex SHA-256 of the body>
//
// Headers are deliberately excluded; credentials must not split the cache.
func (r Request) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.Upstream)
	b.WriteByte(':')
	b.WriteString(r.Method())
	b.WriteByte(' ')
	b.WriteString(r.Target)
	if len(r.Options.Query) > 0 {
		values := make(url.Values, len(r.Options.Query))
		for k, v := range r.Options.Query {
			values.Set(k, v)
		}
		b.WriteByte('?')
		// Encode sorts by key.
		b.WriteString(values.Encode())
	}
	if len(r.Options.Body) > 0 {
		sum := sha256.Sum256(r.Options.Body)
		b.WriteByte('#')
		b.WriteString(hex.EncodeToString(sum[:]))
	}
	return b.String()
}

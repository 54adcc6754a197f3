package coordinator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dashfeed/internal/cache"
	"dashfeed/internal/cachelayer"
	"dashfeed/internal/fetcher"
	"dashfeed/internal/testutil"
)

func newLayer(replies map[string]testutil.Reply) (*cachelayer.Layer, *testutil.MockRequester) {
	requester := testutil.NewMockRequester(replies)
	return cachelayer.New(requester, cache.NewStore()), requester
}

func source(name, target string, fanOut FanOut) Source {
	return Source{
		Name:    name,
		Request: fetcher.Request{Upstream: "test", Target: target},
		FanOut:  fanOut,
		TTL:     time.Minute,
	}
}

// panicLayer panics on every call.
type panicLayer struct{}

func (panicLayer) CachedFetch(context.Context, fetcher.Request, time.Duration) (any, error) {
	panic("cached fetch exploded")
}

func (panicLayer) DeduplicatedFetch(context.Context, fetcher.Request, time.Duration) (any, error) {
	panic("deduplicated fetch exploded")
}

func (panicLayer) SequentialFetchEach(context.Context, []cachelayer.SequentialItem, time.Duration) []fetcher.Outcome {
	panic("sequential fetch exploded")
}

func TestNew(t *testing.T) {
	layer, _ := newLayer(nil)
	sources := []Source{
		source("a", "/a", FanOutParallel),
		source("b", "/b", FanOutParallel),
	}

	coord := New(layer, sources)
	if coord == nil {
		t.Fatal("New() returned nil")
	}

	if len(coord.Sources()) != len(sources) {
		t.Errorf("New() created coordinator with %d sources, want %d", len(coord.Sources()), len(sources))
	}
	if _, ok := coord.Lookup("b"); !ok {
		t.Error("Lookup(b) = false, want true")
	}
}

func TestAggregate_ExampleScenario(t *testing.T) {
	layer, _ := newLayer(map[string]testutil.Reply{
		"/fees":    {Body: `{"total": 200}`},
		"/markets": {Body: `[{"id": "btc"}, {"id": "eth"}]`},
		"/dex":     {Status: 503},
	})
	coord := New(layer, nil)

	result := coord.Aggregate(context.Background(), []Source{
		source("fees", "/fees", FanOutParallel),
		source("markets", "/markets", FanOutParallel),
		source("dex", "/dex", FanOutParallel),
	})

	if len(result.Values) != 3 {
		t.Fatalf("len(Values) = %d, want 3", len(result.Values))
	}
	if fees, ok := result.Values["fees"].(map[string]any); !ok || fees["total"] != 200.0 {
		t.Errorf("Values[fees] = %v", result.Values["fees"])
	}
	if markets, ok := result.Values["markets"].([]any); !ok || len(markets) != 2 {
		t.Errorf("Values[markets] = %v", result.Values["markets"])
	}
	if v, ok := result.Values["dex"]; !ok || v != nil {
		t.Errorf("Values[dex] = %v (present %v), want nil placeholder", v, ok)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("len(Errors) = %d, want 1", len(result.Errors))
	}
	if result.Errors[0].Source != "dex" || !strings.Contains(result.Errors[0].Message, "503") {
		t.Errorf("Errors[0] = %+v, want dex with 503", result.Errors[0])
	}
}

func TestAggregate_PartialFailure(t *testing.T) {
	layer, _ := newLayer(map[string]testutil.Reply{
		"/1": {Body: `1`},
		"/2": {Status: 500},
		"/3": {Body: `3`},
		"/4": {Err: errors.New("connection reset")},
		"/5": {Body: `5`},
	})
	coord := New(layer, nil)

	sources := []Source{
		source("s1", "/1", FanOutParallel),
		source("s2", "/2", FanOutParallel),
		source("s3", "/3", FanOutBestEffort),
		source("s4", "/4", FanOutSequential),
		source("s5", "/5", FanOutSequential),
	}
	result := coord.Aggregate(context.Background(), sources)

	if len(result.Values) != 5 {
		t.Fatalf("len(Values) = %d, want 5", len(result.Values))
	}
	nils := 0
	for _, src := range sources {
		v, ok := result.Values[src.Name]
		if !ok {
			t.Errorf("Values missing key %q", src.Name)
		}
		if v == nil {
			nils++
		}
	}
	if nils != 2 {
		t.Errorf("nil values = %d, want 2", nils)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(result.Errors))
	}
	// Errors follow submission order.
	if result.Errors[0].Source != "s2" || result.Errors[1].Source != "s4" {
		t.Errorf("Errors = %+v, want s2 then s4", result.Errors)
	}
}

func TestAggregate_TotalFailureStillReturnsDocument(t *testing.T) {
	layer, _ := newLayer(nil)
	coord := New(layer, nil)

	result := coord.Aggregate(context.Background(), []Source{
		source("a", "/a", FanOutParallel),
		source("b", "/b", FanOutSequential),
	})

	if len(result.Values) != 2 || result.Values["a"] != nil || result.Values["b"] != nil {
		t.Errorf("Values = %v, want two nil placeholders", result.Values)
	}
	if len(result.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2", len(result.Errors))
	}
}

func TestAggregate_FullSuccessHasEmptyErrors(t *testing.T) {
	layer, _ := newLayer(map[string]testutil.Reply{"/a": {Body: `true`}})
	result := New(layer, nil).Aggregate(context.Background(), []Source{source("a", "/a", "")})

	if result.Errors == nil || len(result.Errors) != 0 {
		t.Errorf("Errors = %#v, want empty non-nil slice", result.Errors)
	}
	if result.Values["a"] != true {
		t.Errorf("Values[a] = %v, want true", result.Values["a"])
	}
}

func TestAggregate_SequentialGroupKeepsOrderAndRunsBesideParallel(t *testing.T) {
	requester := &testutil.MockRequester{
		PerformFunc: func(ctx context.Context, req fetcher.Request) (*fetcher.Response, error) {
			if req.Target == "/slow" {
				time.Sleep(150 * time.Millisecond)
			}
			return &fetcher.Response{StatusCode: 200, Body: []byte(`"` + req.Target + `"`)}, nil
		},
	}
	layer := cachelayer.New(requester, cache.NewStore())
	coord := New(layer, nil, WithGroupDelays(map[string]time.Duration{"test": 50 * time.Millisecond}))

	sources := []Source{
		source("q1", "/q1", FanOutSequential),
		source("slow", "/slow", FanOutParallel),
		source("q2", "/q2", FanOutSequential),
		source("q3", "/q3", FanOutSequential),
	}

	start := time.Now()
	result := coord.Aggregate(context.Background(), sources)
	elapsed := time.Since(start)

	for _, name := range []string{"q1", "q2", "q3", "slow"} {
		if result.Values[name] != "/"+name {
			t.Errorf("Values[%s] = %v, want %q", name, result.Values[name], "/"+name)
		}
	}
	// Sequential group needs ~100ms, parallel ~150ms; serialising them would take ~250ms.
	if elapsed < 150*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the slowest class", elapsed)
	}
	if elapsed > 240*time.Millisecond {
		t.Errorf("elapsed = %v, classes appear to run one after the other", elapsed)
	}
}

func TestAggregate_InvalidNames(t *testing.T) {
	layer, requester := newLayer(map[string]testutil.Reply{"/a": {Body: `1`}, "/b": {Body: `2`}})
	coord := New(layer, nil)

	result := coord.Aggregate(context.Background(), []Source{
		source("a", "/a", FanOutParallel),
		source("a", "/b", FanOutParallel),
		source("", "/b", FanOutParallel),
	})

	if result.Values["a"] != 1.0 {
		t.Errorf("Values[a] = %v, want first occurrence's value", result.Values["a"])
	}
	if len(result.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(result.Errors))
	}
	if result.Errors[0].Source != "a#2" || !strings.Contains(result.Errors[0].Message, "duplicate") {
		t.Errorf("Errors[0] = %+v, want duplicate reported as a#2", result.Errors[0])
	}
	if result.Failed("a") {
		t.Errorf("Failed(a) = true for the occurrence that succeeded")
	}
	if _, ok := result.Values["a#2"]; ok {
		t.Errorf("duplicate label leaked into Values")
	}
	if requester.CallsFor("/b") != 0 {
		t.Errorf("invalid sources were fetched %d times", requester.CallsFor("/b"))
	}
}

func TestAggregate_DuplicateLabelAvoidsRealNames(t *testing.T) {
	layer, _ := newLayer(map[string]testutil.Reply{"/a": {Body: `1`}, "/x": {Body: `2`}})
	coord := New(layer, nil)

	result := coord.Aggregate(context.Background(), []Source{
		source("a", "/a", FanOutParallel),
		source("a#2", "/x", FanOutParallel),
		source("a", "/a", FanOutParallel),
	})

	if result.Failed("a#2") || result.Values["a#2"] != 2.0 {
		t.Errorf("real source a#2 was shadowed: %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].Source != "a#3" {
		t.Errorf("Errors = %+v, want one entry for a#3", result.Errors)
	}
}

func TestRun_DuplicateNamePrintsOnce(t *testing.T) {
	layer, _ := newLayer(map[string]testutil.Reply{"/a": {Body: `1`}, "/b": {Body: `2`}})
	var out bytes.Buffer
	coord := New(layer, []Source{
		source("a", "/a", FanOutParallel),
		source("a", "/b", FanOutParallel),
	}, WithOutput(&out))

	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	want := "a: $1.00\na#2: ERROR - duplicate source name \"a\"\n"
	if out.String() != want {
		t.Errorf("Run() output = %q, want %q", out.String(), want)
	}
}

func TestAggregate_TransformFailures(t *testing.T) {
	layer, _ := newLayer(map[string]testutil.Reply{"/price": {Body: `{"price": "12.5"}`}})
	coord := New(layer, nil)

	ok := source("ok", "/price", FanOutParallel)
	ok.Transform = func(payload any) (any, error) {
		return payload.(map[string]any)["price"], nil
	}
	bad := source("bad", "/price", FanOutParallel)
	bad.Transform = func(any) (any, error) { return nil, errors.New("price missing") }
	boom := source("boom", "/price", FanOutParallel)
	boom.Transform = func(payload any) (any, error) { return payload.([]any)[0], nil }

	result := coord.Aggregate(context.Background(), []Source{ok, bad, boom})

	if result.Values["ok"] != "12.5" {
		t.Errorf("Values[ok] = %v, want 12.5", result.Values["ok"])
	}
	if result.Values["bad"] != nil || result.Values["boom"] != nil {
		t.Errorf("failed transforms must resolve to nil: %v", result.Values)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(result.Errors))
	}
	if !strings.Contains(result.Errors[0].Message, "validation") {
		t.Errorf("Errors[0] = %+v, want validation error", result.Errors[0])
	}
}

func TestAggregate_RecoversPanics(t *testing.T) {
	coord := New(panicLayer{}, nil)

	result := coord.Aggregate(context.Background(), []Source{
		source("p", "/p", FanOutParallel),
		source("b", "/b", FanOutBestEffort),
		source("s1", "/s1", FanOutSequential),
		source("s2", "/s2", FanOutSequential),
	})

	if len(result.Values) != 4 {
		t.Errorf("len(Values) = %d, want 4", len(result.Values))
	}
	if len(result.Errors) != 4 {
		t.Fatalf("len(Errors) = %d, want 4", len(result.Errors))
	}
	if !strings.Contains(result.Errors[2].Message, "sequential fetch exploded") {
		t.Errorf("Errors[2] = %+v", result.Errors[2])
	}
}

func TestRun_Success(t *testing.T) {
	layer, _ := newLayer(map[string]testutil.Reply{
		"/eth":  {Body: `3200.5`},
		"/info": {Body: `{"chain":"ethereum"}`},
	})
	var out bytes.Buffer
	coord := New(layer, []Source{
		source("eth:usd", "/eth", FanOutParallel),
		source("info", "/info", FanOutParallel),
	}, WithOutput(&out))

	if err := coord.Run(context.Background()); err != nil {
		t.Errorf("Run() returned unexpected error: %v", err)
	}

	want := "eth:usd: $3200.50\ninfo: {\"chain\":\"ethereum\"}\n"
	if out.String() != want {
		t.Errorf("Run() output = %q, want %q", out.String(), want)
	}
}

func TestRun_WithErrors(t *testing.T) {
	layer, _ := newLayer(map[string]testutil.Reply{"/ok": {Body: `1`}})
	var out bytes.Buffer
	coord := New(layer, []Source{
		source("ok", "/ok", FanOutParallel),
		source("broken", "/broken", FanOutParallel),
	}, WithOutput(&out))

	// Run should complete without error even if some sources fail
	if err := coord.Run(context.Background()); err != nil {
		t.Errorf("Run() returned unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "broken: ERROR - client error (status 404)") {
		t.Errorf("Run() output = %q, want an error line for broken", out.String())
	}
}

func TestRun_NoSources(t *testing.T) {
	layer, _ := newLayer(nil)
	coord := New(layer, nil)

	err := coord.Run(context.Background())
	if err == nil {
		t.Fatal("Run() expected error for no sources, got nil")
	}

	expectedErrMsg := "no sources configured"
	if err.Error() != expectedErrMsg {
		t.Errorf("Run() error = %q, want %q", err.Error(), expectedErrMsg)
	}
}

func TestParseFanOut(t *testing.T) {
	tests := []struct {
		in      string
		want    FanOut
		wantErr bool
	}{
		{"", FanOutParallel, false},
		{"parallel", FanOutParallel, false},
		{"Sequential", FanOutSequential, false},
		{"sequential-throttled", FanOutSequential, false},
		{"best-effort-single", FanOutBestEffort, false},
		{"broadcast", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFanOut(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFanOut(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFanOut(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

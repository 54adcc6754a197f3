package testutil

import (
	"context"
	"sync"

	"dashfeed/internal/fetcher"
)

// MockRequester is a mock implementation of the fetcher.Requester interface for testing.
// It records every request it receives.
type MockRequester struct {
	PerformFunc func(ctx context.Context, req fetcher.Request) (*fetcher.Response, error)

	mu    sync.Mutex
	calls []fetcher.Request
}

// Perform implements the fetcher.Requester interface
func (m *MockRequester) Perform(ctx context.Context, req fetcher.Request) (*fetcher.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.PerformFunc != nil {
		return m.PerformFunc(ctx, req)
	}
	return &fetcher.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
}

// Calls returns the number of requests performed so far.
func (m *MockRequester) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CallsFor returns how many performed requests targeted target.
func (m *MockRequester) CallsFor(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.calls {
		if req.Target == target {
			n++
		}
	}
	return n
}

// Reply describes a canned response for NewMockRequester.
type Reply struct {
	Status int
	Body   string
	Err    error
}

// NewMockRequester creates a requester answering from a fixed table keyed by target.
// Unknown targets get a 404.
func NewMockRequester(replies map[string]Reply) *MockRequester {
	return &MockRequester{
		PerformFunc: func(ctx context.Context, req fetcher.Request) (*fetcher.Response, error) {
			reply, ok := replies[req.Target]
			if !ok {
				return &fetcher.Response{StatusCode: 404, Body: []byte(`{"error":"not found"}`)}, nil
			}
			if reply.Err != nil {
				return nil, reply.Err
			}
			status := reply.Status
			if status == 0 {
				status = 200
			}
			return &fetcher.Response{StatusCode: status, Body: []byte(reply.Body)}, nil
		},
	}
}

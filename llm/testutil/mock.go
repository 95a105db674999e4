// Package testutil provides test utilities for the llm package.
// It includes mock implementations for testing LLM client interactions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/envdraft/llm"
)

// MockLLMClient is a thread-safe mock llm.Completer for testing.
//
// Usage:
//
//	// Single response mock
//	mock := &MockLLMClient{
//	    Responses: []*llm.Response{
//	        {Content: "本企业位于苏州市。", Model: "test-model"},
//	    },
//	}
//
//	// Sequential responses (for corrective retry testing)
//	mock := &MockLLMClient{
//	    Responses: []*llm.Response{
//	        {Content: "first draft", Model: "test-model"},
//	        {Content: "依据HJ941-2018 ...", Model: "test-model"},
//	    },
//	}
//
//	// Provider outage
//	mock := &MockLLMClient{
//	    Err: llm.NewTransientError(errors.New("connection refused")),
//	}
type MockLLMClient struct {
	mu            sync.Mutex
	Responses     []*llm.Response // Responses to return in sequence
	Errs          []error         // Per-call errors in sequence; nil entries fall through to Responses
	Err           error           // Error to return (takes precedence over Responses)
	Delay         time.Duration   // Simulated latency; honours ctx cancellation
	callCount     int
	responseIndex int
	requests      []llm.Request
}

var _ llm.Completer = (*MockLLMClient)(nil)

// Complete returns the next configured error or response. The last response
// is repeated once the sequence is exhausted.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	call := m.callCount
	m.callCount++
	m.requests = append(m.requests, req)
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if call < len(m.Errs) && m.Errs[call] != nil {
		return nil, m.Errs[call]
	}

	if len(m.Responses) == 0 {
		return &llm.Response{Content: "", Model: "test-model", Attempts: 1}, nil
	}
	idx := m.responseIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.responseIndex++
	}
	resp := *m.Responses[idx]
	if resp.Attempts == 0 {
		resp.Attempts = 1
	}
	return &resp, nil
}

// GetCallCount returns the number of times Complete() was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Requests returns copies of the requests received so far.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// Reset resets the mock's state (call count, response index, requests).
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.responseIndex = 0
	m.requests = nil
}

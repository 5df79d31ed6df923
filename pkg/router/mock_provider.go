package router

import (
	"context"
	"sync"

	"github.com/aria-run/aria/pkg/types"
)

// ScriptedResponse is one canned reply, or a canned failure, that a
// MockProvider returns for a single Send call.
type ScriptedResponse struct {
	Response NormalizedResponse
	Err      error
}

// MockProvider is a deterministic Provider test double: it replays a
// fixed script of responses/errors, one per call, and records every
// request it received.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	script   []ScriptedResponse
	callIdx  int
	Requests []Request
}

// NewMockProvider returns a MockProvider named name that replays script
// in order, one entry per Send call.
func NewMockProvider(name string, script []ScriptedResponse) *MockProvider {
	return &MockProvider{name: name, script: script}
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Send(_ context.Context, req Request) (NormalizedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if m.callIdx >= len(m.script) {
		return NormalizedResponse{}, types.New(types.KindModelProviderError, "mock provider script exhausted")
	}
	entry := m.script[m.callIdx]
	m.callIdx++
	return entry.Response, entry.Err
}

func (m *MockProvider) EstimateCost(_ Request, resp NormalizedResponse) float64 {
	if resp.Kind == ResponseFinalization {
		return 0.001 * float64(len(resp.Text))
	}
	return 0.0005
}

// CallCount reports how many Send calls this provider has served.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

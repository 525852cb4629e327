package testutils

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.LLMClient = (*MockLLMClient)(nil)

// ErrNoMockResponse is returned when no scripted response matches a prompt.
var ErrNoMockResponse = errors.New("no mock response matches prompt")

// MockResponse is one scripted oracle reply.
type MockResponse struct {
	// Pattern is matched case-insensitively as a substring of the prompt.
	// An empty pattern matches every prompt.
	Pattern string
	// Response is returned for matching prompts.
	Response string
	// Err, when set, is returned instead of Response.
	Err error
	// TokensUsed is reported as output tokens.
	TokensUsed int
}

// MockCall records one request the mock received.
type MockCall struct {
	Prompt  string
	Options map[string]any
}

// MockLLMClient implements ports.LLMClient with scripted responses for
// deterministic tests. Queued responses are consumed in order first; after
// that the first pattern response whose pattern matches wins. It is safe
// for concurrent use.
type MockLLMClient struct {
	model string

	mu        sync.Mutex
	queue     []MockResponse
	responses []MockResponse
	calls     []MockCall
}

// NewMockLLMClient creates a mock with no scripted responses.
func NewMockLLMClient(model string) *MockLLMClient {
	return &MockLLMClient{model: model}
}

// AddResponse registers a pattern response. Earlier registrations take
// precedence.
func (m *MockLLMClient) AddResponse(r MockResponse) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
	return m
}

// Enqueue appends responses that are returned once each, in order, before
// pattern matching applies.
func (m *MockLLMClient) Enqueue(rs ...MockResponse) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, rs...)
	return m
}

// Complete returns the scripted response for prompt.
func (m *MockLLMClient) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	resp, _, _, err := m.CompleteWithUsage(ctx, prompt, options)
	return resp, err
}

// CompleteWithUsage returns the scripted response for prompt with the
// prompt's estimated tokens as input and the response's TokensUsed as output.
func (m *MockLLMClient) CompleteWithUsage(
	ctx context.Context,
	prompt string,
	options map[string]any,
) (string, int, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, 0, err
	}
	if prompt == "" {
		return "", 0, 0, fmt.Errorf("prompt cannot be empty")
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Prompt: prompt, Options: maps.Clone(options)})
	r, ok := m.next(prompt)
	m.mu.Unlock()

	if !ok {
		return "", 0, 0, fmt.Errorf("%w (len: %d)", ErrNoMockResponse, len(prompt))
	}
	in, _ := m.EstimateTokens(prompt)
	if r.Err != nil {
		return "", in, 0, r.Err
	}
	return r.Response, in, r.TokensUsed, nil
}

// next must be called with mu held.
func (m *MockLLMClient) next(prompt string) (MockResponse, bool) {
	if len(m.queue) > 0 {
		r := m.queue[0]
		m.queue = m.queue[1:]
		return r, true
	}
	lower := strings.ToLower(prompt)
	for _, r := range m.responses {
		if strings.Contains(lower, strings.ToLower(r.Pattern)) {
			return r, true
		}
	}
	return MockResponse{}, false
}

// EstimateTokens approximates four characters per token.
func (m *MockLLMClient) EstimateTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return max(len(text)/4, 1), nil
}

// GetModel returns the mock model name.
func (m *MockLLMClient) GetModel() string { return m.model }

// Calls returns a copy of every request received so far.
func (m *MockLLMClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns how many requests were received.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

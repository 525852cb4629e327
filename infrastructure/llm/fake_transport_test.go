package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// step is one scripted transport outcome.
type step struct {
	resp  Response
	err   error
	delay time.Duration
}

// fakeTransport replays steps in order and repeats the last one.
type fakeTransport struct {
	model    string
	provider string

	mu    sync.Mutex
	steps []step
	calls []Request
	times []time.Time
}

func newFakeTransport(steps ...step) *fakeTransport {
	if len(steps) == 0 {
		steps = []step{{resp: Response{Text: "ok", TokensIn: 10, TokensOut: 20}}}
	}
	return &fakeTransport{model: "fake-model", provider: "fake", steps: steps}
}

func (f *fakeTransport) Model() string    { return f.model }
func (f *fakeTransport) Provider() string { return f.provider }

func (f *fakeTransport) Send(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	idx := min(len(f.calls), len(f.steps)-1)
	s := f.steps[idx]
	f.calls = append(f.calls, req)
	f.times = append(f.times, time.Now())
	f.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.resp, s.err
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) lastRequest() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func transient(kind ErrorKind) error {
	return &ProviderError{Provider: "fake", Kind: kind, Err: errors.New("upstream")}
}

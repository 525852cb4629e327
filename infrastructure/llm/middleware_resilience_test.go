package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimitMiddleware(t *testing.T) {
	t.Run("burst passes immediately", func(t *testing.T) {
		fake := newFakeTransport()
		tr := RateLimitMiddleware(rate.Limit(1), 3)(fake)

		start := time.Now()
		for range 3 {
			_, err := tr.Send(context.Background(), Request{})
			require.NoError(t, err)
		}
		assert.Less(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, 3, fake.callCount())
	})

	t.Run("requests beyond burst wait", func(t *testing.T) {
		fake := newFakeTransport()
		tr := RateLimitMiddleware(rate.Limit(20), 1)(fake)

		start := time.Now()
		for range 3 {
			_, err := tr.Send(context.Background(), Request{})
			require.NoError(t, err)
		}
		// Two refills at 20/s.
		assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	})

	t.Run("cancelled wait never reaches provider", func(t *testing.T) {
		fake := newFakeTransport()
		tr := RateLimitMiddleware(rate.Limit(0.1), 1)(fake)
		_, err := tr.Send(context.Background(), Request{})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = tr.Send(ctx, Request{})
		require.Error(t, err)
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Contains(t, []ErrorKind{KindTimeout, KindRateLimit}, pe.Kind)
		assert.Equal(t, 1, fake.callCount())
	})
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Run("slow provider times out", func(t *testing.T) {
		fake := newFakeTransport(step{delay: time.Second})
		tr := TimeoutMiddleware(20 * time.Millisecond)(fake)

		start := time.Now()
		_, err := tr.Send(context.Background(), Request{})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("fast provider unaffected", func(t *testing.T) {
		fake := newFakeTransport()
		resp, err := TimeoutMiddleware(time.Second)(fake).Send(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text)
	})

	t.Run("non-positive timeout returns next unchanged", func(t *testing.T) {
		fake := newFakeTransport()
		assert.Same(t, fake, TimeoutMiddleware(0)(fake))
	})
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(100), "shift overflow is capped")

	assert.Zero(t, RetryPolicy{}.Delay(3))

	p.Jitter = 0.5
	for range 50 {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetryMiddleware(t *testing.T) {
	fast := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	tests := []struct {
		name      string
		steps     []step
		wantCalls int
		wantErr   bool
		wantIn    int
	}{
		{
			name:      "first attempt succeeds",
			steps:     []step{{resp: Response{Text: "a", TokensIn: 5}}},
			wantCalls: 1,
			wantIn:    5,
		},
		{
			name: "transient then success sums usage",
			steps: []step{
				{resp: Response{TokensIn: 7}, err: transient(KindRateLimit)},
				{err: transient(KindServer)},
				{resp: Response{Text: "a", TokensIn: 5}},
			},
			wantCalls: 3,
			wantIn:    12,
		},
		{
			name:      "gives up after max retries",
			steps:     []step{{resp: Response{TokensIn: 1}, err: transient(KindNetwork)}},
			wantCalls: 3,
			wantErr:   true,
			wantIn:    3,
		},
		{
			name:      "permanent error not retried",
			steps:     []step{{err: transient(KindAuth)}},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "open circuit not retried",
			steps:     []step{{err: ErrCircuitOpen}},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "unclassified error not retried",
			steps:     []step{{err: errors.New("parse failure")}},
			wantCalls: 1,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeTransport(tt.steps...)
			resp, err := RetryMiddleware(fast)(fake).Send(context.Background(), Request{})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, fake.callCount())
			assert.Equal(t, tt.wantIn, resp.TokensIn)
		})
	}
}

func TestRetryMiddleware_StopsOnCancel(t *testing.T) {
	fake := newFakeTransport(step{err: transient(KindServer)})
	tr := RetryMiddleware(RetryPolicy{MaxRetries: 5, BaseDelay: time.Second})(fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fake.callCount())
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []string
	cb := NewCircuitBreaker(2, time.Minute,
		withClock(clock.Now),
		WithStateChange(func(from, to BreakerState) { transitions = append(transitions, from.String()+">"+to.String()) }),
	)
	fake := newFakeTransport(
		step{err: transient(KindServer)},
		step{err: transient(KindServer)},
		step{err: transient(KindServer)},
		step{resp: Response{Text: "back"}},
	)
	tr := CircuitBreakerMiddleware(cb)(fake)
	send := func() error {
		_, err := tr.Send(context.Background(), Request{})
		return err
	}

	// Given two failures, the breaker opens.
	require.Error(t, send())
	assert.Equal(t, BreakerClosed, cb.State())
	require.Error(t, send())
	assert.Equal(t, BreakerOpen, cb.State())

	// While open, calls are rejected without reaching the provider.
	err := send()
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, fake.callCount())

	// After cooldown a failed probe reopens it.
	clock.Advance(time.Minute)
	assert.Equal(t, BreakerHalfOpen, cb.State())
	require.Error(t, send())
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, send(), ErrCircuitOpen)

	// A successful probe closes it.
	clock.Advance(time.Minute)
	require.NoError(t, send())
	assert.Equal(t, BreakerClosed, cb.State())

	assert.Equal(t, []string{
		"closed>open", "open>half_open", "half_open>open", "open>half_open", "half_open>closed",
	}, transitions)
}

func TestCircuitBreaker_CallerErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	fake := newFakeTransport(step{err: transient(KindBadRequest)})
	tr := CircuitBreakerMiddleware(cb)(fake)

	for range 3 {
		_, err := tr.Send(context.Background(), Request{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(1, time.Second, withClock(clock.Now))
	release := make(chan struct{})
	fake := newFakeTransport(step{err: transient(KindServer)})
	tr := CircuitBreakerMiddleware(cb)(fake)
	_, _ = tr.Send(context.Background(), Request{})
	require.Equal(t, BreakerOpen, cb.State())
	clock.Advance(time.Second)

	// The probe blocks inside the provider; a concurrent call is rejected.
	blocking := &blockingTransport{passthrough: passthrough{fake}, release: release, entered: make(chan struct{})}
	tr = CircuitBreakerMiddleware(cb)(blocking)
	done := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), Request{})
		done <- err
	}()
	<-blocking.entered

	_, err := tr.Send(context.Background(), Request{})
	require.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, BreakerClosed, cb.State())
}

type blockingTransport struct {
	passthrough
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Send(ctx context.Context, _ Request) (Response, error) {
	close(b.entered)
	<-b.release
	return Response{Text: "probe"}, nil
}

func TestNewCircuitBreaker_ThresholdFloor(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Minute)
	tr := CircuitBreakerMiddleware(cb)(newFakeTransport(step{err: transient(KindServer)}))
	_, _ = tr.Send(context.Background(), Request{})
	assert.Equal(t, BreakerOpen, cb.State())
}

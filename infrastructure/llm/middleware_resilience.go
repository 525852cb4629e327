package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware waits for a token bucket slot before each request.
// A zero limit with a positive burst allows exactly burst requests.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	return func(next Transport) Transport {
		return &rateLimited{passthrough: passthrough{next}, limiter: rate.NewLimiter(limit, burst)}
	}
}

type rateLimited struct {
	passthrough
	limiter *rate.Limiter
}

func (r *rateLimited) Send(ctx context.Context, req Request) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if pe, ok := classifyContext(r.Provider(), err); ok {
			return Response{}, pe
		}
		return Response{}, &ProviderError{Provider: r.Provider(), Kind: KindRateLimit, Message: "local rate limit", Err: err}
	}
	return r.next.Send(ctx, req)
}

// TimeoutMiddleware bounds each request by d. An earlier deadline already
// on the context wins. A non-positive d disables the middleware.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next Transport) Transport {
		if d <= 0 {
			return next
		}
		return &timeoutBound{passthrough: passthrough{next}, d: d}
	}
}

type timeoutBound struct {
	passthrough
	d time.Duration
}

func (t *timeoutBound) Send(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Send(ctx, req)
}

// RetryPolicy controls RetryMiddleware.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the fraction of each delay that is randomized, in [0, 1].
	Jitter float64
}

// DefaultRetryPolicy retries twice starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.1}
}

// Delay returns the back-off before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << min(attempt, 30)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if j := clamp(p.Jitter, 0, 1); j > 0 {
		spread := float64(d) * j
		//nolint:gosec // jitter does not need a CSPRNG
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

// RetryMiddleware retries requests that fail with a retryable
// ProviderError. Token usage of failed attempts is summed into the
// returned Response so budgets see the real spend.
func RetryMiddleware(p RetryPolicy) Middleware {
	return func(next Transport) Transport {
		return &retrying{passthrough: passthrough{next}, policy: p}
	}
}

type retrying struct {
	passthrough
	policy RetryPolicy
}

func (r *retrying) Send(ctx context.Context, req Request) (Response, error) {
	var spentIn, spentOut int
	for attempt := 0; ; attempt++ {
		resp, err := r.next.Send(ctx, req)
		spentIn += resp.TokensIn
		spentOut += resp.TokensOut
		if err == nil {
			resp.TokensIn, resp.TokensOut = spentIn, spentOut
			return resp, nil
		}
		if attempt >= r.policy.MaxRetries || !IsRetryable(err) {
			if attempt > 0 {
				err = fmt.Errorf("after %d attempts: %w", attempt+1, err)
			}
			return Response{TokensIn: spentIn, TokensOut: spentOut}, err
		}

		timer := time.NewTimer(r.policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			pe, _ := classifyContext(r.Provider(), ctx.Err())
			return Response{TokensIn: spentIn, TokensOut: spentOut}, pe
		case <-timer.C:
		}
	}
}

// ErrCircuitOpen is returned without calling the provider while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("BreakerState(%d)", int(s))
	}
}

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through once cooldown has passed. Caller-side failures (bad
// requests, cancellation) do not count against the provider.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(from, to BreakerState)

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithStateChange registers a callback invoked on every transition. It
// runs with the breaker's lock released.
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker creates a closed breaker. A threshold below one is
// treated as one.
func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{threshold: max(threshold, 1), cooldown: cooldown, now: time.Now}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State reports the current state, promoting an expired open breaker to
// half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return BreakerHalfOpen
	}
	return cb.state
}

// allow reserves the right to make a call.
func (cb *CircuitBreaker) allow() (bool, func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false, nil
		}
		from := cb.state
		cb.state, cb.probing = BreakerHalfOpen, true
		return true, cb.notify(from, BreakerHalfOpen)
	case BreakerHalfOpen:
		if cb.probing {
			return false, nil
		}
		cb.probing = true
	}
	return true, nil
}

// record updates the breaker with the outcome of an allowed call.
func (cb *CircuitBreaker) record(failed bool) func() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from := cb.state
	cb.probing = false
	if !failed {
		cb.failures = 0
		cb.state = BreakerClosed
		return cb.notify(from, BreakerClosed)
	}
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
	}
	return cb.notify(from, cb.state)
}

func (cb *CircuitBreaker) notify(from, to BreakerState) func() {
	if cb.onChange == nil || from == to {
		return nil
	}
	fn := cb.onChange
	return func() { fn(from, to) }
}

// countsAgainstProvider reports whether err says something about the
// provider's health.
func countsAgainstProvider(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindBadRequest, KindNotFound, KindContentPolicy, KindCanceled, KindAuth:
			return false
		}
	}
	return true
}

// CircuitBreakerMiddleware guards the transport with cb. Sharing one
// breaker between clients makes them fail together.
func CircuitBreakerMiddleware(cb *CircuitBreaker) Middleware {
	return func(next Transport) Transport {
		return &breakered{passthrough: passthrough{next}, cb: cb}
	}
}

type breakered struct {
	passthrough
	cb *CircuitBreaker
}

func (b *breakered) Send(ctx context.Context, req Request) (Response, error) {
	ok, fire := b.cb.allow()
	runHook(fire)
	if !ok {
		return Response{}, fmt.Errorf("%s: %w", b.Provider(), ErrCircuitOpen)
	}
	resp, err := b.next.Send(ctx, req)
	runHook(b.cb.record(err != nil && countsAgainstProvider(err)))
	return resp, err
}

func runHook(fn func()) {
	if fn != nil {
		fn()
	}
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-fincheck/internal/ports"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
		sentinel  error
	}{
		{status: 401, kind: KindAuth, sentinel: ports.ErrAuthenticationFailed},
		{status: 403, kind: KindAuth, sentinel: ports.ErrAuthenticationFailed},
		{status: 429, kind: KindRateLimit, retryable: true, sentinel: ports.ErrRateLimited},
		{status: 400, kind: KindBadRequest},
		{status: 422, kind: KindBadRequest},
		{status: 404, kind: KindNotFound},
		{status: 408, kind: KindTimeout, retryable: true, sentinel: ports.ErrTimeout},
		{status: 500, kind: KindServer, retryable: true, sentinel: ports.ErrServiceUnavailable},
		{status: 529, kind: KindServer, retryable: true, sentinel: ports.ErrServiceUnavailable},
		{status: 0, kind: KindUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			pe := classifyStatus("openai", tt.status, "msg", errors.New("raw"))
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.retryable, pe.Retryable())
			assert.Equal(t, tt.retryable, IsRetryable(fmt.Errorf("wrapped: %w", pe)))
			if tt.sentinel != nil {
				assert.ErrorIs(t, pe, tt.sentinel)
			}
		})
	}
}

func TestClassifyContext(t *testing.T) {
	pe, ok := classifyContext("anthropic", fmt.Errorf("post: %w", context.DeadlineExceeded))
	require.True(t, ok)
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.True(t, pe.Retryable())
	assert.ErrorIs(t, pe, ports.ErrTimeout)
	assert.ErrorIs(t, pe, context.DeadlineExceeded)

	pe, ok = classifyContext("anthropic", context.Canceled)
	require.True(t, ok)
	assert.Equal(t, KindCanceled, pe.Kind)
	assert.False(t, pe.Retryable())

	_, ok = classifyContext("anthropic", errors.New("other"))
	assert.False(t, ok)
}

func TestProviderError_Error(t *testing.T) {
	pe := &ProviderError{Provider: "google", Kind: KindRateLimit, Status: 429, Message: "slow down", Err: errors.New("quota")}
	assert.Equal(t, "google rate_limit (HTTP 429): slow down: quota", pe.Error())

	pe = &ProviderError{Provider: "openai", Kind: KindNetwork}
	assert.Equal(t, "openai network", pe.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("rate limit exceeded")), "unclassified text is not trusted")
	assert.False(t, IsRetryable(fmt.Errorf("x: %w", ErrCircuitOpen)))
	assert.True(t, IsRetryable(unclassified("openai", errors.New("connection reset"))))
	assert.False(t, IsRetryable(transient(KindContentPolicy)))
}

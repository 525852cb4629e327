package ports

import (
	"errors"
	"fmt"
	"time"
)

// Infrastructure errors raised by collaborators of the verification core.
var (
	// ErrTokenLimitExceeded indicates the prompt or completion ran past the
	// model's token limit.
	ErrTokenLimitExceeded = errors.New("token limit exceeded")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates the provider is unreachable or failing.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrTimeout indicates an operation ran past its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidResponse indicates a response that could not be parsed or
	// failed validation.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrAuthenticationFailed indicates rejected credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrReasonerUnavailable indicates the upstream reasoner could not
	// produce an output for an attempt.
	ErrReasonerUnavailable = errors.New("reasoner unavailable")
)

// LLMError is an oracle failure annotated with the model and operation.
type LLMError struct {
	Model     string
	Operation string
	Err       error
	// TokensUsed is the number of tokens consumed before the failure.
	TokensUsed int
	// RetryAfter is the provider's back-off hint, if any.
	RetryAfter *time.Duration
}

// Error implements the error interface for LLMError.
func (e *LLMError) Error() string {
	msg := fmt.Sprintf("LLM error: model=%s, operation=%s, err=%v", e.Model, e.Operation, e.Err)
	if e.TokensUsed > 0 {
		msg += fmt.Sprintf(", tokens_used=%d", e.TokensUsed)
	}
	if e.RetryAfter != nil {
		msg += fmt.Sprintf(", retry_after=%v", *e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LLMError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure is transient.
func (e *LLMError) IsRetryable() bool {
	return errors.Is(e.Err, ErrRateLimited) ||
		errors.Is(e.Err, ErrServiceUnavailable) ||
		errors.Is(e.Err, ErrTimeout)
}

// NewLLMError creates an LLMError.
func NewLLMError(model, operation string, err error) *LLMError {
	return &LLMError{Model: model, Operation: operation, Err: err}
}

// MetricsError is a failure to record a metric.
type MetricsError struct {
	Metric    string
	Operation string
	Err       error
}

// Error implements the error interface for MetricsError.
func (e *MetricsError) Error() string {
	return fmt.Sprintf("metrics error: operation=%s, metric=%s, err=%v", e.Operation, e.Metric, e.Err)
}

// Unwrap returns the underlying error.
func (e *MetricsError) Unwrap() error { return e.Err }

// NewMetricsError creates a MetricsError.
func NewMetricsError(metric, operation string, err error) *MetricsError {
	return &MetricsError{Metric: metric, Operation: operation, Err: err}
}

// StageError wraps an infrastructure failure inside a verification stage.
// The gate turns it into a stage_inconclusive issue.
type StageError struct {
	Stage string
	Err   error
}

// Error implements the error interface for StageError.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error { return e.Err }

// NewStageError creates a StageError.
func NewStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

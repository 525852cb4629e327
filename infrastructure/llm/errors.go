package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ahrav/go-fincheck/internal/ports"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindUnknown       ErrorKind = "unknown"
	KindAuth          ErrorKind = "authentication"
	KindRateLimit     ErrorKind = "rate_limit"
	KindBadRequest    ErrorKind = "bad_request"
	KindNotFound      ErrorKind = "not_found"
	KindServer        ErrorKind = "server_error"
	KindContentPolicy ErrorKind = "content_policy"
	KindNetwork       ErrorKind = "network"
	KindTimeout       ErrorKind = "timeout"
	KindCanceled      ErrorKind = "canceled"
)

// ProviderError is a normalized provider failure. errors.Is matches it
// against the ports sentinels so stage code can branch without knowing the
// provider.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Kind)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is maps kinds onto the ports sentinels.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ports.ErrRateLimited:
		return e.Kind == KindRateLimit
	case ports.ErrServiceUnavailable:
		return e.Kind == KindServer || e.Kind == KindNetwork
	case ports.ErrTimeout:
		return e.Kind == KindTimeout
	case ports.ErrAuthenticationFailed:
		return e.Kind == KindAuth
	case ports.ErrInvalidResponse:
		return e.Kind == KindContentPolicy
	}
	return false
}

// Retryable reports whether the same request may succeed later.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is worth retrying. Only classified
// provider errors are; an open circuit and context errors never are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// classifyStatus turns an HTTP status from provider into a ProviderError.
func classifyStatus(provider string, status int, message string, err error) *ProviderError {
	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusRequestTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServer
	case status >= 400:
		kind = KindBadRequest
	}
	return &ProviderError{Provider: provider, Kind: kind, Status: status, Message: message, Err: err}
}

// classifyContext handles errors caused by the caller's context. ok is
// false when err is not a context error.
func classifyContext(provider string, err error) (*ProviderError, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ProviderError{Provider: provider, Kind: KindTimeout, Message: "deadline exceeded", Err: err}, true
	case errors.Is(err, context.Canceled):
		return &ProviderError{Provider: provider, Kind: KindCanceled, Message: "request canceled", Err: err}, true
	default:
		return nil, false
	}
}

// unclassified wraps an error the SDK gave no status for. These are mostly
// transport failures, so they count as network errors.
func unclassified(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindNetwork, Message: "request failed", Err: err}
}

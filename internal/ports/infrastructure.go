package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-fincheck/internal/domain"
)

// LLMClient is the extraction and verification oracle used by the
// re-extraction and consistency stages, and by the LLM-backed reasoner.
// Implementations own rate limiting, retries and timeouts.
type LLMClient interface {
	// Complete sends prompt to the model and returns the generated text.
	//
	// Common options:
	//   - "temperature": float64
	//   - "max_tokens": int
	//   - "model": string
	//   - "system": string
	Complete(ctx context.Context, prompt string, options map[string]any) (string, error)

	// CompleteWithUsage is Complete plus the input and output token counts
	// reported by the provider.
	CompleteWithUsage(ctx context.Context, prompt string, options map[string]any) (output string, tokensIn, tokensOut int, err error)

	// EstimateTokens approximates the token count of text.
	EstimateTokens(text string) (int, error)

	// GetModel returns the model identifier.
	GetModel() string
}

// ReasonRequest is the input to one upstream reasoning attempt.
type ReasonRequest struct {
	Question domain.Question
	Evidence domain.EvidenceBundle
	// Attempt is 1-based.
	Attempt int
	// PreviousIssues holds the issues found on the previous attempt, if any,
	// so the reasoner can avoid repeating them.
	PreviousIssues []domain.Issue
}

// Reasoner produces a candidate answer, reasoning trace, citations and
// operands for a question. It is the upstream collaborator the retry loop
// re-invokes.
type Reasoner interface {
	Reason(ctx context.Context, req ReasonRequest) (domain.ReasonerOutput, error)
}

// AttemptRecorder receives the diagnostic record of every finished attempt.
// Records are final when handed over; recorders must not modify them.
type AttemptRecorder interface {
	Record(ctx context.Context, rec domain.AttemptRecord) error
}

// MetricsCollector records operational metrics. Label sets must be stable
// per metric name.
type MetricsCollector interface {
	// RecordLatency records how long an operation took.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets a gauge.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram observes a value.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
	"github.com/ahrav/go-fincheck/internal/profile"
)

// ReasonerStage is the stage name recorded when the reasoner itself fails.
const ReasonerStage = "reasoner"

// Result is the final, confidence-tagged answer to a question.
type Result struct {
	Answer   string                     `json:"answer"`
	Outcome  domain.VerificationOutcome `json:"outcome"`
	Tier     domain.ConfidenceTier      `json:"confidence_tier"`
	Attempts int                        `json:"attempts"`
	Question domain.Question            `json:"question"`
	// Records holds one diagnostic record per attempt, in order.
	Records  []domain.AttemptRecord `json:"records,omitempty"`
	Metadata map[string]string      `json:"metadata"`
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRecorder sends every attempt record to r.
func WithRecorder(r ports.AttemptRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithOrchestratorLogger sets the orchestrator's logger.
func WithOrchestratorLogger(l *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOrchestratorMetrics sets the collector for attempt metrics.
func WithOrchestratorMetrics(m ports.MetricsCollector) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Orchestrator is the retry loop around the reasoner and the gate. It
// re-invokes the reasoner with the previous attempt's issues until an answer
// verifies or the retry budget runs out, then falls back to the last
// non-empty answer.
type Orchestrator struct {
	reasoner   ports.Reasoner
	gate       *Gate
	maxRetries int
	recorder   ports.AttemptRecorder
	logger     *zap.Logger
	metrics    ports.MetricsCollector
	tracer     trace.Tracer
}

// NewOrchestrator creates an orchestrator allowing maxRetries extra attempts.
func NewOrchestrator(reasoner ports.Reasoner, gate *Gate, maxRetries int, opts ...OrchestratorOption) (*Orchestrator, error) {
	if reasoner == nil {
		return nil, errors.New("orchestrator: reasoner cannot be nil")
	}
	if gate == nil {
		return nil, errors.New("orchestrator: gate cannot be nil")
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("orchestrator: max retries must be non-negative, got %d", maxRetries)
	}

	o := &Orchestrator{
		reasoner:   reasoner,
		gate:       gate,
		maxRetries: maxRetries,
		logger:     zap.NewNop(),
		metrics:    nopMetrics{},
		tracer:     otel.Tracer("retry-orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run answers questionText against evidence. It only returns an error when
// ctx is cancelled; an answer that never verifies is a result, not an error.
func (o *Orchestrator) Run(ctx context.Context, questionText string, evidence domain.EvidenceBundle) (Result, error) {
	execID := uuid.NewString()
	ctx = ContextWithExecutionID(ctx, execID)
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Run",
		trace.WithAttributes(attribute.String("execution.id", execID)),
	)
	defer span.End()

	q := profile.Profile(questionText)
	retry := domain.NewRetryState(o.maxRetries)

	var (
		records  []domain.AttemptRecord
		last     GateResult
		feedback []domain.Issue
	)
	for !retry.Exhausted() {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return Result{}, err
		}

		started := time.Now()
		out, err := o.reasoner.Reason(ctx, ports.ReasonRequest{
			Question:       q,
			Evidence:       evidence,
			Attempt:        retry.Attempt,
			PreviousIssues: feedback,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				span.RecordError(ctxErr)
				return Result{}, ctxErr
			}
			o.logger.Warn("orchestrator: reasoner failed",
				zap.String("execution_id", execID),
				zap.Int("attempt", retry.Attempt),
				zap.Error(err),
			)
			last = o.reasonerFailure(execID, retry.Attempt, q, evidence, err)
		} else {
			last = o.gate.Verify(ctx, q, evidence, out, retry.Attempt)
		}

		rec := o.record(ctx, retry.Attempt, q, last, started)
		records = append(records, rec)
		o.metrics.RecordCounter("attempts_total", 1, map[string]string{"status": string(last.Outcome.Status)})

		if last.Outcome.Verified {
			return o.finish(span, q, last.Answer, last.Outcome, retry.Attempt, records), nil
		}
		feedback = last.Outcome.Issues
		retry = retry.Next()
	}

	attempts := retry.Attempt - 1
	outcome := last.Outcome
	if last.Answer != "" {
		outcome = fallbackOutcome(outcome)
		o.logger.Info("orchestrator: fallback accepted",
			zap.String("execution_id", execID),
			zap.Int("attempts", attempts),
			zap.String("answer", last.Answer),
		)
	}
	return o.finish(span, q, last.Answer, outcome, attempts, records), nil
}

// reasonerFailure builds the gate result for an attempt whose reasoner
// call failed.
func (o *Orchestrator) reasonerFailure(
	execID string,
	attempt int,
	q domain.Question,
	evidence domain.EvidenceBundle,
	err error,
) GateResult {
	state := domain.NewAttemptState(execID, attempt, q, evidence, domain.ReasonerOutput{})
	state = state.AppendStageResult(domain.StageResult{
		Stage: ReasonerStage,
		Result: domain.LayerResult{
			Issues:     []domain.Issue{domain.NewIssue(ReasonerStage, domain.IssueStageInconclusive, err.Error())},
			Confidence: domain.ConfidenceLow,
		},
	})
	issues := state.Issues()
	return GateResult{
		Outcome: domain.VerificationOutcome{
			Verified: false,
			Issues:   issues,
			Status:   domain.StatusHardFail,
		},
		Path:  domain.PathFullCheck,
		State: state,
	}
}

// fallbackOutcome accepts the last answer after retry exhaustion.
func fallbackOutcome(outcome domain.VerificationOutcome) domain.VerificationOutcome {
	issues := append([]domain.Issue(nil), outcome.Issues...)
	issues = append(issues, domain.NewIssue(ReasonerStage, domain.IssueRetryFallback, domain.FallbackIssueDetail))
	return domain.VerificationOutcome{
		Verified: true,
		Issues:   issues,
		Status:   domain.StatusSoftFail,
	}
}

// record builds the attempt record and hands it to the recorder. A recorder
// failure is logged and never fails the attempt.
func (o *Orchestrator) record(ctx context.Context, attempt int, q domain.Question, res GateResult, started time.Time) domain.AttemptRecord {
	original, _ := domain.Get(res.State, domain.KeyOriginalAnswer)
	rec := domain.AttemptRecord{
		ID:             uuid.NewString(),
		Attempt:        attempt,
		Path:           res.Path,
		Question:       q,
		OriginalAnswer: original,
		FinalAnswer:    res.Answer,
		Stages:         res.State.StageResults(),
		Outcome:        res.Outcome,
		StartedAt:      started,
		Duration:       time.Since(started),
	}
	if o.recorder != nil {
		if err := o.recorder.Record(ctx, rec); err != nil {
			o.logger.Warn("orchestrator: failed to record attempt",
				zap.String("record_id", rec.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return rec
}

func (o *Orchestrator) finish(
	span trace.Span,
	q domain.Question,
	answer string,
	outcome domain.VerificationOutcome,
	attempts int,
	records []domain.AttemptRecord,
) Result {
	tier := domain.TierFor(outcome.Status)
	span.SetAttributes(
		attribute.String("result.status", string(outcome.Status)),
		attribute.Int("result.attempts", attempts),
	)
	o.metrics.RecordCounter("results_total", 1, map[string]string{"status": string(outcome.Status)})
	o.metrics.RecordHistogram("attempts_per_question", float64(attempts), nil)

	return Result{
		Answer:   answer,
		Outcome:  outcome,
		Tier:     tier,
		Attempts: attempts,
		Question: q,
		Records:  records,
		Metadata: map[string]string{
			"confidence_tier":  tier.Label,
			"confidence_score": strconv.FormatFloat(tier.Score, 'f', 2, 64),
			"attempts":         strconv.Itoa(attempts),
			"status":           string(outcome.Status),
		},
	}
}

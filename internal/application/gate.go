package application

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ahrav/go-fincheck/infrastructure/units"
	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

// GateStage is the stage name the gate uses for issues it records itself.
const GateStage = "gate"

// GateStages are the units the gate drives. FastCorrection, Recompute and
// Numeric are required. Reextraction and Vote are oracle-backed and may be
// nil, in which case they are skipped. Rules run in order on the full check
// and normally include Numeric.
type GateStages struct {
	FastCorrection ports.Unit
	Recompute      ports.Unit
	Reextraction   ports.Unit
	Vote           ports.Unit
	Numeric        ports.Unit
	Rules          []ports.Unit
}

// GateConfig holds the gate's own decision thresholds.
type GateConfig struct {
	EarlyExit                 bool
	MinReextractionConfidence float64
	RequiredCitations         int
	TraceLevel                string
}

// GateConfigFrom extracts the gate thresholds from a pipeline config.
func GateConfigFrom(cfg PipelineConfig) GateConfig {
	return GateConfig{
		EarlyExit:                 cfg.EarlyExit,
		MinReextractionConfidence: cfg.MinReextractionConfidence,
		RequiredCitations:         cfg.RequiredCitations,
		TraceLevel:                cfg.TraceLevel,
	}
}

// GateResult is the outcome of verifying one attempt.
type GateResult struct {
	// Answer is the current answer after every accepted correction.
	Answer  string
	Outcome domain.VerificationOutcome
	Path    domain.GatePath
	// State is the final attempt state, including every stage result.
	State    domain.State
	Usage    domain.Usage
	Duration time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets the collector that receives stage latencies and verdict
// counts.
func WithMetrics(m ports.MetricsCollector) GateOption {
	return func(g *Gate) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithOracleDecorator wraps the oracle-backed stages, typically with a
// budget manager.
func WithOracleDecorator(wrap func(ports.Unit) ports.Unit) GateOption {
	return func(g *Gate) { g.decorate = wrap }
}

// Gate is the per-attempt verification state machine. It runs the fast
// correction stage, takes the fast path when that stage is fully confident,
// and otherwise runs the full check. Stage failures never abort an attempt;
// they become stage_inconclusive issues.
//
// The full check runs formula recomputation, re-extraction when Stage 1
// points at a specific failure, the consistency vote unless an early exit
// applies, and then the rule checkers. Each stage sees only the current answer as
// left by the stages before it.
//
// Concurrency: a Gate is immutable after NewGate and safe for concurrent
// Verify calls. Every call works on its own State.
//
// Observability: Verify emits a span per attempt with the path taken and
// the final status, logs one line per attempt, and counts verdicts by path
// and status.
type Gate struct {
	// stages are the configured stage units; oracle stages may be nil.
	stages GateStages
	// rules runs the rule checkers in order on the full path.
	rules *Pipeline
	// fastPath runs the rule checkers that still apply on the fast path.
	fastPath *Pipeline
	cfg      GateConfig
	logger   *zap.Logger
	metrics  ports.MetricsCollector
	tracer   trace.Tracer
	// decorate wraps the oracle stages, usually with a budget manager.
	decorate func(ports.Unit) ports.Unit
}

// NewGate creates a gate over stages.
func NewGate(stages GateStages, cfg GateConfig, opts ...GateOption) (*Gate, error) {
	if stages.FastCorrection == nil || stages.Recompute == nil || stages.Numeric == nil {
		return nil, fmt.Errorf("gate: fast correction, recompute and numeric stages are required")
	}

	g := &Gate{
		cfg:     cfg,
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
		tracer:  otel.Tracer("verification-gate"),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.decorate != nil {
		if stages.Reextraction != nil {
			stages.Reextraction = g.decorate(stages.Reextraction)
		}
		if stages.Vote != nil {
			stages.Vote = g.decorate(stages.Vote)
		}
	}
	g.stages = stages

	g.rules = NewPipeline("rules", g.runStage)
	for _, u := range stages.Rules {
		if err := g.rules.Add(u); err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
	}
	// The fast path keeps the checks that only look at the answer and its
	// citations.
	g.fastPath = NewPipeline("fast_path", g.runStage)
	for _, u := range stages.Rules {
		if u.Name() == units.StageGrounding || u.Name() == stages.Numeric.Name() {
			if err := g.fastPath.Add(u); err != nil {
				return nil, fmt.Errorf("gate: %w", err)
			}
		}
	}
	if !slices.ContainsFunc(g.fastPath.Units(), func(u ports.Unit) bool { return u.Name() == stages.Numeric.Name() }) {
		if err := g.fastPath.Add(stages.Numeric); err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
	}
	return g, nil
}

// BuildGate creates every stage named by cfg through registry and assembles
// the gate. Oracle-backed stages are left out when the registry has no
// oracle client.
func BuildGate(registry *StageRegistry, cfg PipelineConfig, opts ...GateOption) (*Gate, error) {
	create := func(stage string) (ports.Unit, error) {
		return registry.CreateUnit(stage, cfg.StageParams(stage))
	}

	var (
		stages GateStages
		err    error
	)
	if stages.FastCorrection, err = create(units.StageFastCorrection); err != nil {
		return nil, err
	}
	if stages.Recompute, err = create(units.StageFormulaRecompute); err != nil {
		return nil, err
	}
	if stages.Numeric, err = create(units.StageNumericConsistency); err != nil {
		return nil, err
	}
	if registry.LLMClient() != nil {
		if stages.Reextraction, err = create(units.StageReextraction); err != nil {
			return nil, err
		}
		if stages.Vote, err = create(units.StageConsistencyVote); err != nil {
			return nil, err
		}
	}

	for _, name := range cfg.RuleStages {
		if name == units.StageNumericConsistency {
			stages.Rules = append(stages.Rules, stages.Numeric)
			continue
		}
		u, err := create(name)
		if err != nil {
			return nil, err
		}
		stages.Rules = append(stages.Rules, u)
	}

	return NewGate(stages, GateConfigFrom(cfg), opts...)
}

type executionIDKey struct{}

// ContextWithExecutionID tags ctx with the execution ID the gate stamps on
// attempt state.
func ContextWithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionIDFromContext returns the execution ID carried by ctx, if any.
func ExecutionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(executionIDKey{}).(string)
	return id, ok && id != ""
}

// Verify runs the gate for one attempt. It never fails: every stage error
// is recorded as an issue and the worst verdict is HARD_FAIL.
func (g *Gate) Verify(
	ctx context.Context,
	q domain.Question,
	evidence domain.EvidenceBundle,
	out domain.ReasonerOutput,
	attempt int,
) GateResult {
	execID, ok := ExecutionIDFromContext(ctx)
	if !ok {
		execID = uuid.NewString()
	}

	ctx, span := g.tracer.Start(ctx, "Gate.Verify",
		trace.WithAttributes(
			attribute.String("execution.id", execID),
			attribute.Int("attempt", attempt),
		),
	)
	defer span.End()

	start := time.Now()
	state := domain.NewAttemptState(execID, attempt, q, evidence, out)
	state = domain.With(state, domain.KeyTraceLevel, g.cfg.TraceLevel)

	path := domain.PathFullCheck
	if strings.TrimSpace(out.Answer) == "" {
		g.logger.Info("gate: empty answer", zap.String("execution_id", execID), zap.Int("attempt", attempt))
		state = state.AppendStageResult(domain.StageResult{
			Stage: GateStage,
			Result: domain.LayerResult{
				Issues:     []domain.Issue{domain.NewIssue(GateStage, domain.IssueEmptyAnswer, "reasoner returned no answer")},
				Confidence: domain.ConfidenceLow,
			},
		})
	} else {
		state = g.runStage(ctx, g.stages.FastCorrection, state)
		if g.fastPathEligible(state) {
			path = domain.PathFastPath
			state = g.runFastPath(ctx, state)
		} else {
			state = g.runFullCheck(ctx, state)
		}
	}

	issues := state.Issues()
	answer := state.CurrentAnswer()
	status := domain.DeriveStatus(issues, answer, len(out.Citations), g.cfg.RequiredCitations)
	res := GateResult{
		Answer: answer,
		Outcome: domain.VerificationOutcome{
			Verified: status.Verified(),
			Issues:   issues,
			Status:   status,
		},
		Path:     path,
		State:    state,
		Usage:    state.GetBudgetUsage(),
		Duration: time.Since(start),
	}

	span.SetAttributes(
		attribute.String("gate.path", string(path)),
		attribute.String("gate.status", string(status)),
		attribute.Int("gate.issues", len(issues)),
	)
	if !res.Outcome.Verified {
		span.SetStatus(codes.Error, "answer not verified")
	}
	g.metrics.RecordCounter("gate_verdicts_total", 1, map[string]string{
		"path":   string(path),
		"status": string(status),
	})
	g.logger.Info("gate: attempt verified",
		zap.String("execution_id", execID),
		zap.Int("attempt", attempt),
		zap.String("path", string(path)),
		zap.String("status", string(status)),
		zap.Int("issues", len(issues)),
		zap.String("answer", answer),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// fastPathEligible reports whether the fast correction stage was fully
// confident and nothing has been flagged.
func (g *Gate) fastPathEligible(state domain.State) bool {
	r, ok := lastResult(state, g.stages.FastCorrection.Name())
	return ok && r.FastPathEligible && r.Confidence == domain.ConfidenceHigh && len(state.Issues()) == 0
}

// runFastPath runs only the answer-level checks: grounding and numeric
// consistency, then the voter.
func (g *Gate) runFastPath(ctx context.Context, state domain.State) domain.State {
	state, _ = g.fastPath.Execute(ctx, state)
	return g.runVote(ctx, state)
}

func (g *Gate) runFullCheck(ctx context.Context, state domain.State) domain.State {
	state = g.runStage(ctx, g.stages.Recompute, state)
	state = g.runReextraction(ctx, state)
	state, _ = g.rules.Execute(ctx, state)
	return g.runVote(ctx, state)
}

// runReextraction runs Stage 2 when the recompute result calls for it and
// accepts its proposal only at the configured confidence.
func (g *Gate) runReextraction(ctx context.Context, state domain.State) domain.State {
	if g.stages.Reextraction == nil {
		return state
	}
	stage1, ok := lastResult(state, g.stages.Recompute.Name())
	if !ok {
		return state
	}
	q, _ := domain.Get(state, domain.KeyQuestion)
	if !units.ShouldReextract(stage1, q.FormulaType) {
		return state
	}

	name := g.stages.Reextraction.Name()
	state = g.runStage(ctx, g.stages.Reextraction, state)
	res, ok := lastResult(state, name)
	if !ok || res.CorrectedAnswer == "" || domain.HasIssueKind(res.Issues, domain.IssueStageInconclusive) {
		return state
	}

	s, _ := domain.Get(state, domain.KeyReextraction)
	if s.Confidence >= g.cfg.MinReextractionConfidence {
		g.logger.Debug("gate: re-extraction accepted",
			zap.String("strategy", string(s.Strategy)),
			zap.Float64("confidence", s.Confidence),
			zap.String("answer", res.CorrectedAnswer),
		)
		return state.ApplyStageCorrection(name, res.CorrectedAnswer, "")
	}
	return state.AddStageIssue(domain.NewIssue(name, domain.IssueReextractionRejected,
		fmt.Sprintf("proposal %q scored %.2f, below %.2f", res.CorrectedAnswer, s.Confidence, g.cfg.MinReextractionConfidence)))
}

// runVote runs the consistency voter unless early exit applies, then turns
// its verdict into a correction or a disagreement.
func (g *Gate) runVote(ctx context.Context, state domain.State) domain.State {
	if g.stages.Vote == nil {
		return state
	}
	if g.cfg.EarlyExit && len(state.Issues()) == 0 {
		return state
	}

	name := g.stages.Vote.Name()
	state = g.runStage(ctx, g.stages.Vote, state)
	res, ok := lastResult(state, name)
	if !ok || res.Passed || domain.HasIssueKind(res.Issues, domain.IssueStageInconclusive) {
		return state
	}

	if res.CorrectedAnswer != "" {
		previous := state.CurrentAnswer()
		state = state.ApplyStageCorrection(name, res.CorrectedAnswer, "")
		return state.AddStageIssue(domain.Issue{
			Kind:     domain.IssueConsistencyCorrection,
			Stage:    name,
			Detail:   fmt.Sprintf("consistency check replaced %q with %q", previous, res.CorrectedAnswer),
			Resolved: true,
		})
	}
	return state.AddStageIssue(domain.NewIssue(name, domain.IssueConsistencyDisagree,
		"consistency check judged the answer incorrect without agreeing on a correction"))
}

// runStage executes one unit in isolation. Errors and panics are recorded as
// a stage_inconclusive result; usage the unit reported before failing is
// kept.
func (g *Gate) runStage(ctx context.Context, unit ports.Unit, state domain.State) (out domain.State) {
	name := unit.Name()
	start := time.Now()
	labels := map[string]string{"stage": name}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			g.logger.Error("gate: stage panicked", zap.String("stage", name), zap.Any("panic", r))
			g.metrics.RecordCounter("stage_inconclusive_total", 1, labels)
			out = inconclusive(state, name, err, time.Since(start))
		}
		g.metrics.RecordLatency("stage", time.Since(start), labels)
	}()

	next, err := unit.Execute(ctx, state)
	if err != nil {
		// Keep what the unit recorded before failing, unless it returned
		// something that is not an attempt state.
		if _, ok := domain.Get(next, domain.KeyQuestion); !ok {
			next = state
		}
		g.logger.Warn("gate: stage failed", zap.String("stage", name), zap.Error(err))
		g.metrics.RecordCounter("stage_inconclusive_total", 1, labels)
		return inconclusive(next, name, err, time.Since(start))
	}

	if r, ok := lastResult(next, name); ok && len(r.Issues) > 0 {
		g.metrics.RecordCounter("stage_issues_total", float64(len(r.Issues)), labels)
	}
	g.logger.Debug("gate: stage finished",
		zap.String("stage", name),
		zap.String("answer", next.CurrentAnswer()),
		zap.Duration("duration", time.Since(start)),
	)
	return next
}

func inconclusive(state domain.State, stage string, err error, elapsed time.Duration) domain.State {
	return state.AppendStageResult(domain.StageResult{
		Stage: stage,
		Result: domain.LayerResult{
			Issues:     []domain.Issue{domain.NewIssue(stage, domain.IssueStageInconclusive, err.Error())},
			Confidence: domain.ConfidenceLow,
		},
		Duration: elapsed,
	})
}

// lastResult returns the most recent result recorded by stage.
func lastResult(state domain.State, stage string) (domain.LayerResult, bool) {
	results := state.StageResults()
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Stage == stage {
			return results[i].Result, true
		}
	}
	return domain.LayerResult{}, false
}

// nopMetrics discards every metric.
type nopMetrics struct{}

func (nopMetrics) RecordLatency(string, time.Duration, map[string]string) {}
func (nopMetrics) RecordCounter(string, float64, map[string]string)       {}
func (nopMetrics) RecordGauge(string, float64, map[string]string)         {}
func (nopMetrics) RecordHistogram(string, float64, map[string]string)     {}

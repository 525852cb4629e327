package units

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/montanaflynn/stats"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/formula"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.Unit = (*ReextractionUnit)(nil)

// Re-extraction defaults.
const (
	DefaultReextractionMaxTokens   = 800
	DefaultReextractionTemperature = 0.0
	DefaultReextractionTolerance   = 0.01
)

// Strategy confidence levels.
const (
	confidenceStrong   = 0.85
	confidenceFocused  = 0.75
	confidenceNeutral  = 0.5
	confidenceTemporal = 0.4
	confidencePercent  = 0.3
)

// reextractTriggers are the Stage 1 findings that warrant asking the oracle
// for fresh values.
var reextractTriggers = []domain.IssueKind{
	domain.IssueRecomputeMismatch,
	domain.IssueMissingOperands,
	domain.IssueTypeMismatch,
	domain.IssueFormulaConfusion,
}

// ShouldReextract reports whether a formula recomputation result warrants
// targeted re-extraction. The gate evaluates it; the unit never does.
func ShouldReextract(stage1 domain.LayerResult, ft domain.FormulaType) bool {
	if domain.HasIssueKind(stage1.Issues, reextractTriggers...) {
		return true
	}
	return stage1.Confidence == domain.ConfidenceLow && ft.ErrorProne()
}

// SelectStrategy picks the re-extraction prompt family for a question.
func SelectStrategy(q domain.Question, candidate string, issues []domain.Issue) domain.ReextractionStrategy {
	ft := q.FormulaType
	switch {
	case (ft == domain.FormulaAbsoluteChange || ft == domain.FormulaDifference) &&
		(domain.ParseAnswer(candidate).Format == domain.FormatPercentage ||
			domain.HasIssueKind(issues, domain.IssueFormulaConfusion)):
		return domain.StrategyAbsoluteChange
	case ft == domain.FormulaTotal || q.Aggregation == domain.AggregationTotal:
		return domain.StrategyTableSum
	case ft.IsAverage():
		return domain.StrategyFormulaGuided
	default:
		return domain.StrategyFocused
	}
}

const defaultReextractionPrompt = `You are re-reading financial evidence to extract exact values.

Question:
{{.Question}}
Evidence:
{{.Evidence}}
A previous answer was {{.Candidate}}. Reasoning given for it:
{{.Reasoning}}
{{- if .Issues}}
Problems found with it:
{{- range .Issues}}
- {{.}}
{{- end}}
{{- end}}

{{.Instructions}}

Report every value you used with a short label that names the line item and
year, the calculation you performed, and the final answer.`

var strategyInstructions = map[domain.ReextractionStrategy]string{
	domain.StrategyAbsoluteChange: `The question asks for an absolute change, not a percentage.
Extract the earlier value first and the later value second. The answer is
later minus earlier, in the units of the evidence, with no percent sign.`,
	domain.StrategyTableSum: `The question asks for a total. Extract every row that belongs in the
total, one value per row, and report their sum as the answer.`,
	domain.StrategyFormulaGuided: `The question asks for an average ({{.Formula}}).
{{- if .Years}} Extract the value for each year the average covers{{if eq (len .Years) 1}}, which is {{index .Years 0}} and {{prevYear (index .Years 0)}}{{end}}.{{end}}
{{- if .Hints}} Relevant line items: {{join .Hints ", "}}.{{end}}
Extract values in chronological order and compute the answer from them.`,
	domain.StrategyFocused: `Extract only the values needed to answer the question ({{.Formula}}).
{{- if .Hints}} Relevant line items: {{join .Hints ", "}}.{{end}}
Give them in the order the calculation uses them.`,
}

const reextractionJSONInstruction = `

Respond with a JSON object only:
{"values": [{"label": "<line item and year>", "value": <number>}], "calculation": "<arithmetic>", "answer": "<final answer>"}`

// ReextractionConfig configures the TargetedReextractor.
type ReextractionConfig struct {
	// Prompt is the Go template wrapped around each strategy's instructions.
	// It sees .Question, .Evidence, .Candidate, .Reasoning, .Issues and
	// .Instructions.
	Prompt string `yaml:"prompt" json:"prompt" validate:"required,min=20"`

	Temperature float64 `yaml:"temperature" json:"temperature" validate:"min=0.0,max=1.0"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" validate:"required,min=50,max=4000"`

	// Tolerance is the relative difference under which a reported answer
	// agrees with the value recomputed from the reported values.
	Tolerance float64 `yaml:"tolerance" json:"tolerance" validate:"gt=0,lt=1"`
}

// DefaultReextractionConfig returns the default re-extraction settings.
func DefaultReextractionConfig() ReextractionConfig {
	return ReextractionConfig{
		Prompt:      defaultReextractionPrompt,
		Temperature: DefaultReextractionTemperature,
		MaxTokens:   DefaultReextractionMaxTokens,
		Tolerance:   DefaultReextractionTolerance,
	}
}

// reextractionResponse is the JSON the oracle must return.
type reextractionResponse struct {
	Values      []reextractedValue `json:"values" validate:"dive"`
	Calculation string             `json:"calculation"`
	Answer      string             `json:"answer" validate:"required"`
}

type reextractedValue struct {
	Label string  `json:"label" validate:"required"`
	Value float64 `json:"value"`
}

// ReextractionRequest is one targeted re-extraction.
type ReextractionRequest struct {
	Question  domain.Question
	Evidence  domain.EvidenceBundle
	Candidate string
	Reasoning string
	// Issues are the findings so far; they steer strategy selection and are
	// shown to the oracle.
	Issues []domain.Issue
}

// TargetedReextractor asks the oracle to re-read the evidence with a
// strategy-specific prompt and scores the values it returns.
type TargetedReextractor struct {
	client       ports.LLMClient
	config       ReextractionConfig
	prompt       *template.Template
	instructions map[domain.ReextractionStrategy]*template.Template
}

// NewTargetedReextractor validates config and compiles the prompts.
func NewTargetedReextractor(client ports.LLMClient, config ReextractionConfig) (*TargetedReextractor, error) {
	if client == nil {
		return nil, ErrNilLLMClient
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	prompt, err := template.New("reextraction").Funcs(GetTemplateFuncMap()).Parse(config.Prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}

	instructions := make(map[domain.ReextractionStrategy]*template.Template, len(strategyInstructions))
	for strategy, text := range strategyInstructions {
		tmpl, err := template.New(string(strategy)).Funcs(GetTemplateFuncMap()).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s instructions: %w", strategy, err)
		}
		instructions[strategy] = tmpl
	}

	return &TargetedReextractor{
		client:       client,
		config:       config,
		prompt:       prompt,
		instructions: instructions,
	}, nil
}

// Reextract runs one oracle call and returns the scored suggestion and the
// tokens it consumed.
func (r *TargetedReextractor) Reextract(ctx context.Context, req ReextractionRequest) (domain.ReextractionSuggestion, int, error) {
	strategy := SelectStrategy(req.Question, req.Candidate, req.Issues)

	prompt, err := r.buildPrompt(strategy, req)
	if err != nil {
		return domain.ReextractionSuggestion{}, 0, err
	}

	opts := OracleOptions(r.client, StageReextraction, r.config.Temperature, r.config.MaxTokens)
	resp, tokens, err := callOracle[reextractionResponse](ctx, r.client, prompt, opts)
	if err != nil {
		return domain.ReextractionSuggestion{}, tokens, fmt.Errorf("%s re-extraction: %w", strategy, err)
	}

	values := make([]domain.Operand, len(resp.Values))
	for i, v := range resp.Values {
		values[i] = domain.Operand{Label: v.Label, Value: v.Value}
	}

	s := domain.ReextractionSuggestion{
		Strategy:    strategy,
		Values:      values,
		Calculation: resp.Calculation,
		Answer:      strings.TrimSpace(resp.Answer),
	}
	s.Confidence, s.Reason = r.score(strategy, req.Question, s)
	return s, tokens, nil
}

func (r *TargetedReextractor) buildPrompt(strategy domain.ReextractionStrategy, req ReextractionRequest) (string, error) {
	var instr bytes.Buffer
	err := r.instructions[strategy].Execute(&instr, struct {
		Formula string
		Years   []int
		Hints   []string
	}{
		Formula: req.Question.FormulaType.String(),
		Years:   req.Question.Years,
		Hints:   req.Question.OperandHints,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateExecution, err)
	}

	var buf bytes.Buffer
	err = r.prompt.Execute(&buf, struct {
		Question     string
		Evidence     string
		Candidate    string
		Reasoning    string
		Issues       []string
		Instructions string
	}{
		Question:     SanitizeUserContent(req.Question.Text),
		Evidence:     SanitizeUserContent(req.Evidence.Flatten()),
		Candidate:    strconv.Quote(req.Candidate),
		Reasoning:    SanitizeUserContent(req.Reasoning),
		Issues:       domain.IssueMessages(req.Issues),
		Instructions: instr.String(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateExecution, err)
	}
	return buf.String() + reextractionJSONInstruction, nil
}

// score assigns the strategy's confidence to a suggestion.
func (r *TargetedReextractor) score(
	strategy domain.ReextractionStrategy,
	q domain.Question,
	s domain.ReextractionSuggestion,
) (float64, string) {
	ans := domain.ParseAnswer(s.Answer)
	values := formula.Values(s.Values)
	agrees := func(want float64) bool {
		return ans.IsNumeric() && formula.RelativeDiff(ans.Number(), want) <= r.config.Tolerance
	}

	switch strategy {
	case domain.StrategyTableSum:
		total, err := stats.Sum(values)
		if err == nil && len(values) > 0 && agrees(total) {
			return confidenceStrong, "answer equals the sum of the reported rows"
		}
		return confidenceNeutral, "answer does not equal the sum of the reported rows"

	case domain.StrategyAbsoluteChange:
		if len(values) >= 2 && ans.Format != domain.FormatPercentage && agrees(values[len(values)-1]-values[0]) {
			return confidenceStrong, "answer equals last minus first reported value"
		}
		if ans.Format == domain.FormatPercentage {
			return confidencePercent, "absolute change reported as a percentage"
		}
		return confidenceNeutral, "answer does not equal last minus first reported value"

	case domain.StrategyFormulaGuided:
		if q.FormulaType == domain.FormulaTemporalAverage {
			return r.scoreTemporal(q, s.Values, agrees)
		}
		want, err := formula.Compute(q.FormulaType, values)
		if err == nil && agrees(want) {
			return confidenceStrong, fmt.Sprintf("answer matches %s of the reported values", q.FormulaType)
		}
		return confidenceNeutral, fmt.Sprintf("answer does not match %s of the reported values", q.FormulaType)

	default:
		if _, ok := formula.Lookup(q.FormulaType); ok {
			want, err := formula.Compute(q.FormulaType, values)
			if err == nil && ans.IsNumeric() && answerDiff(q.FormulaType, ans, want) <= r.config.Tolerance {
				return confidenceFocused, fmt.Sprintf("answer matches %s of the reported values", q.FormulaType)
			}
			return confidenceNeutral, fmt.Sprintf("answer does not match %s of the reported values", q.FormulaType)
		}
		if ans.IsNumeric() && len(values) > 0 {
			return confidenceFocused, "numeric answer backed by reported values"
		}
		return confidenceNeutral, "answer is not backed by reported values"
	}
}

// scoreTemporal requires values for the question's year and the year
// before it, and an answer equal to their mean.
func (r *TargetedReextractor) scoreTemporal(
	q domain.Question,
	ops []domain.Operand,
	agrees func(float64) bool,
) (float64, string) {
	if len(q.Years) == 0 {
		return confidenceTemporal, "question names no year to average over"
	}
	year := slices.Max(q.Years)

	var current, previous []float64
	for _, op := range ops {
		switch {
		case strings.Contains(op.Label, strconv.Itoa(year)):
			current = append(current, op.Value)
		case strings.Contains(op.Label, strconv.Itoa(year-1)):
			previous = append(previous, op.Value)
		}
	}
	if len(current) == 0 || len(previous) == 0 {
		return confidenceTemporal, fmt.Sprintf("values for both %d and %d are required", year, year-1)
	}

	mean, err := stats.Mean([]float64{current[0], previous[0]})
	if err != nil || math.IsNaN(mean) || !agrees(mean) {
		return confidenceTemporal, fmt.Sprintf("answer is not the mean of the %d and %d values", year, year-1)
	}
	return confidenceStrong, fmt.Sprintf("answer is the mean of the %d and %d values", year, year-1)
}

// ReextractionUnit runs targeted re-extraction as Stage 2. It records the
// suggestion and proposes its answer; the gate decides whether to accept it.
//
// The strategy is chosen from the question and the issues raised so far,
// so the unit must run after Stage 1. A suggestion below the configured
// confidence floor is recorded but never proposed as a correction.
//
// Concurrency: the unit is safe for concurrent use as long as the oracle
// client is.
//
// Observability: each Execute emits a span with the chosen strategy, the
// oracle's confidence and the number of values it extracted.
type ReextractionUnit struct {
	// name is the stage name stamped on issues and spans.
	name string
	// reextractor owns the oracle client, prompts and confidence floor.
	reextractor *TargetedReextractor
	// tracer starts one span per Execute.
	tracer trace.Tracer
}

// NewReextractionUnit creates the Stage 2 unit.
func NewReextractionUnit(name string, client ports.LLMClient, config ReextractionConfig) (*ReextractionUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	r, err := NewTargetedReextractor(client, config)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", name, err)
	}
	return &ReextractionUnit{
		name:        name,
		reextractor: r,
		tracer:      otel.Tracer("reextraction-unit"),
	}, nil
}

// Name returns the unit's stage name.
func (u *ReextractionUnit) Name() string { return u.name }

// Execute re-extracts values for the current answer. Oracle usage is
// recorded in the returned state even when the call fails.
func (u *ReextractionUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	ctx, span := u.tracer.Start(ctx, "ReextractionUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "targeted_reextraction"),
			attribute.String("unit.id", u.name),
		),
	)
	defer span.End()

	start := time.Now()
	in, err := readAttempt(u.name, state)
	if err != nil {
		span.RecordError(err)
		return state, err
	}

	s, tokens, err := u.reextractor.Reextract(ctx, ReextractionRequest{
		Question:  in.question,
		Evidence:  in.evidence,
		Candidate: in.answer,
		Reasoning: in.output.Reasoning,
		Issues:    state.Issues(),
	})
	state = withUsage(state, tokens, 1)
	if err != nil {
		span.RecordError(err)
		return state, err
	}

	span.SetAttributes(
		attribute.String("reextraction.strategy", string(s.Strategy)),
		attribute.Float64("reextraction.confidence", s.Confidence),
		attribute.Int("reextraction.values", len(s.Values)),
	)

	res := domain.LayerResult{
		Passed:         true,
		Confidence:     suggestionConfidence(s.Confidence),
		CorrectionType: "reextraction_" + string(s.Strategy),
	}
	if s.Answer != in.answer {
		res.CorrectedAnswer = s.Answer
	}

	state = domain.With(state, domain.KeyReextraction, s)
	return state.AppendStageResult(domain.StageResult{
		Stage:    u.name,
		Result:   res,
		Duration: time.Since(start),
	}), nil
}

func suggestionConfidence(c float64) domain.Confidence {
	switch {
	case c >= confidenceStrong:
		return domain.ConfidenceHigh
	case c >= confidenceFocused:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// Validate checks the unit's configuration.
func (u *ReextractionUnit) Validate() error {
	if u.reextractor == nil || u.reextractor.client == nil {
		return fmt.Errorf("unit %s: %w", u.name, ErrNilLLMClient)
	}
	if err := validate.Struct(u.reextractor.config); err != nil {
		return fmt.Errorf("unit %s: configuration validation failed: %w", u.name, err)
	}
	return nil
}

// NewReextractionFromConfig builds the unit from a parameter map overlaid on
// the defaults.
func NewReextractionFromConfig(id string, params map[string]any, llm ports.LLMClient) (ports.Unit, error) {
	cfg := DefaultReextractionConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return NewReextractionUnit(id, llm, cfg)
}

package units

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.Unit = (*ConsistencyVoteUnit)(nil)

// Voting defaults.
const (
	DefaultVoteTemperature    = 0.3
	DefaultVoteMaxTokens      = 600
	DefaultVoteMaxConcurrency = 3
	DefaultSimplePasses       = 1
	DefaultComplexPasses      = 3
	DefaultScaleTolerance     = 0.1

	// textAgreement is the similarity at which two text corrections count
	// as the same answer.
	textAgreement = 0.9
)

// complexFormulas always get the full number of passes.
var complexFormulas = []domain.FormulaType{
	domain.FormulaPercentageChange,
	domain.FormulaAverage,
	domain.FormulaRatio,
	domain.FormulaPercentageOfTotal,
}

// IsComplexQuestion reports whether a question warrants multiple
// consistency passes: several formula candidates, a formula reasoners often
// misapply, or more than one distinct year.
func IsComplexQuestion(q domain.Question) bool {
	if len(q.FormulaCandidates) > 1 || slices.Contains(complexFormulas, q.FormulaType) {
		return true
	}
	years := slices.Clone(q.Years)
	slices.Sort(years)
	return len(slices.Compact(years)) >= 2
}

const defaultVotePrompt = `You are independently checking the answer to a financial question.
Work from the evidence only. Do not trust the previous reasoning.

Question:
{{.Question}}
Evidence:
{{.Evidence}}
Answer under review: {{.Candidate}}
Reasoning that produced it:
{{.Reasoning}}
This is check {{.Pass}} of {{.Passes}}.

Recompute the answer from the evidence. Decide whether the answer under
review is correct. If it is not, give the corrected answer in the same
format and name the kind of error.`

const voteJSONInstruction = `

Respond with a JSON object only:
{"is_correct": <true|false>, "recomputed_value": "<value you computed>", "corrected_answer": "<answer or empty>", "error_category": "<none|wrong_denominator|wrong_formula_type|wrong_values|sign_error|magnitude_error|rounding_error|format_error>", "reasoning": "<short explanation>"}`

// ConsistencyVoteConfig configures the ConsistencyVoter.
type ConsistencyVoteConfig struct {
	// Prompt is the Go template for one pass. It sees .Question, .Evidence,
	// .Candidate, .Reasoning, .Pass and .Passes.
	Prompt string `yaml:"prompt" json:"prompt" validate:"required,min=20"`

	// Temperature above zero lets passes reach independent conclusions.
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"min=0.0,max=1.0"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" validate:"required,min=50,max=4000"`

	// MaxConcurrency limits concurrent oracle calls across passes.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"min=1,max=20"`

	SimplePasses  int `yaml:"simple_passes" json:"simple_passes" validate:"min=1,max=9"`
	ComplexPasses int `yaml:"complex_passes" json:"complex_passes" validate:"min=1,max=9,gtefield=SimplePasses"`

	// ScaleTolerance is how close the recomputed/candidate ratio must be to
	// 100 or 0.01, relatively, to count as a scale slip.
	ScaleTolerance float64 `yaml:"scale_tolerance" json:"scale_tolerance" validate:"gt=0,lt=1"`
}

// DefaultConsistencyVoteConfig returns the default voting settings.
func DefaultConsistencyVoteConfig() ConsistencyVoteConfig {
	return ConsistencyVoteConfig{
		Prompt:         defaultVotePrompt,
		Temperature:    DefaultVoteTemperature,
		MaxTokens:      DefaultVoteMaxTokens,
		MaxConcurrency: DefaultVoteMaxConcurrency,
		SimplePasses:   DefaultSimplePasses,
		ComplexPasses:  DefaultComplexPasses,
		ScaleTolerance: DefaultScaleTolerance,
	}
}

// flexString decodes a JSON string, number or null into a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = flexString(n.String())
	}
	return nil
}

// voteResponse is the JSON one pass must return.
type voteResponse struct {
	IsCorrect       *bool      `json:"is_correct" validate:"required"`
	RecomputedValue flexString `json:"recomputed_value"`
	CorrectedAnswer flexString `json:"corrected_answer"`
	ErrorCategory   string     `json:"error_category" validate:"required,oneof=none wrong_denominator wrong_formula_type wrong_values sign_error magnitude_error rounding_error format_error"`
	Reasoning       string     `json:"reasoning"`
}

// VoteRequest is one consistency vote.
type VoteRequest struct {
	Question  domain.Question
	Evidence  domain.EvidenceBundle
	Candidate string
	Reasoning string
	// KeepReasoning retains each pass's explanation on its Vote.
	KeepReasoning bool
}

// ConsistencyVoter re-derives the answer over several independent oracle
// passes and aggregates their verdicts.
type ConsistencyVoter struct {
	client ports.LLMClient
	config ConsistencyVoteConfig
	prompt *template.Template
}

// NewConsistencyVoter validates config and compiles the pass prompt.
func NewConsistencyVoter(client ports.LLMClient, config ConsistencyVoteConfig) (*ConsistencyVoter, error) {
	if client == nil {
		return nil, ErrNilLLMClient
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	tmpl, err := template.New("vote").Funcs(GetTemplateFuncMap()).Parse(config.Prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return &ConsistencyVoter{client: client, config: config, prompt: tmpl}, nil
}

// PassesFor returns how many passes a question gets.
func (cv *ConsistencyVoter) PassesFor(q domain.Question) int {
	if IsComplexQuestion(q) {
		return cv.config.ComplexPasses
	}
	return cv.config.SimplePasses
}

// Vote runs the passes concurrently and aggregates the surviving votes.
// Failed passes are dropped; an error is returned only when every pass
// failed. The token count covers all passes, failed or not.
func (cv *ConsistencyVoter) Vote(ctx context.Context, req VoteRequest) (domain.VoteResult, int, error) {
	passes := cv.PassesFor(req.Question)

	// Each pass writes only its own slot.
	votes := make([]domain.Vote, passes)
	tokens := make([]int, passes)
	errs := make([]error, passes)

	var g errgroup.Group
	g.SetLimit(cv.config.MaxConcurrency)
	for i := range passes {
		g.Go(func() error {
			votes[i], tokens[i], errs[i] = cv.runPass(ctx, req, i+1, passes)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	var ok []domain.Vote
	for i := range passes {
		total += tokens[i]
		if errs[i] == nil {
			ok = append(ok, votes[i])
		}
	}
	if len(ok) == 0 {
		return domain.VoteResult{Passes: passes}, total, fmt.Errorf("%w: %w", ErrNoVotes, errors.Join(errs...))
	}
	return aggregateVotes(req.Candidate, ok, cv.config.ScaleTolerance), total, nil
}

func (cv *ConsistencyVoter) runPass(ctx context.Context, req VoteRequest, pass, passes int) (domain.Vote, int, error) {
	var buf bytes.Buffer
	err := cv.prompt.Execute(&buf, struct {
		Question  string
		Evidence  string
		Candidate string
		Reasoning string
		Pass      int
		Passes    int
	}{
		Question:  SanitizeUserContent(req.Question.Text),
		Evidence:  SanitizeUserContent(req.Evidence.Flatten()),
		Candidate: strconv.Quote(req.Candidate),
		Reasoning: SanitizeUserContent(req.Reasoning),
		Pass:      pass,
		Passes:    passes,
	})
	if err != nil {
		return domain.Vote{}, 0, fmt.Errorf("%w: %v", ErrTemplateExecution, err)
	}

	opts := OracleOptions(cv.client, StageConsistencyVote, cv.config.Temperature, cv.config.MaxTokens)
	resp, tokens, err := callOracle[voteResponse](ctx, cv.client, buf.String()+voteJSONInstruction, opts)
	if err != nil {
		return domain.Vote{}, tokens, fmt.Errorf("pass %d: %w", pass, err)
	}

	v := domain.Vote{
		Pass:            pass,
		IsCorrect:       *resp.IsCorrect,
		RecomputedValue: strings.TrimSpace(string(resp.RecomputedValue)),
		CorrectedAnswer: strings.TrimSpace(string(resp.CorrectedAnswer)),
		ErrorCategory:   domain.ErrorCategory(resp.ErrorCategory),
	}
	if req.KeepReasoning {
		v.Reasoning = resp.Reasoning
	}
	return v, tokens, nil
}

// aggregateVotes folds votes into a result. It is commutative: the votes'
// order never changes the outcome.
//
// A majority of passes recomputing a value about 100x or 0.01x the
// candidate overrides everything else. Otherwise a strict majority of
// correct votes wins, and failing that the most frequent correction among
// the incorrect votes is chosen, ties going to the lexicographically
// smallest.
func aggregateVotes(candidate string, votes []domain.Vote, scaleTolerance float64) domain.VoteResult {
	res := domain.VoteResult{Passes: len(votes), Votes: votes}

	if fixed, ok := scaleOverride(candidate, votes, scaleTolerance); ok {
		res.Corrected = fixed
		res.ScaleOverride = true
		return res
	}

	correct := 0
	var corrections []string
	for _, v := range votes {
		if v.IsCorrect {
			correct++
		} else if v.CorrectedAnswer != "" {
			corrections = append(corrections, v.CorrectedAnswer)
		}
	}
	if correct*2 > len(votes) {
		res.IsCorrect = true
		return res
	}
	res.Corrected = mostFrequent(corrections)
	return res
}

func scaleOverride(candidate string, votes []domain.Vote, tol float64) (string, bool) {
	cand := domain.ParseAnswer(candidate)
	if !cand.IsNumeric() || cand.Number() == 0 {
		return "", false
	}
	c := cand.Number()

	var slips []string
	for _, v := range votes {
		r := domain.ParseAnswer(v.RecomputedValue)
		if !r.IsNumeric() {
			continue
		}
		readings := scaleReadings(cand, r)
		if slices.ContainsFunc(readings, func(x float64) bool { return near(x/c, 1, tol) }) {
			continue
		}
		for _, x := range readings {
			if ratio := x / c; near(ratio, 100, tol) || near(ratio, 0.01, tol) {
				slips = append(slips, domain.FormatLike(x, cand, cand.Format))
				break
			}
		}
	}
	if len(slips)*2 <= len(votes) {
		return "", false
	}
	return mostFrequent(slips), true
}

// scaleReadings expresses a recomputed value in the candidate's units. A
// percent against a bare candidate may be the same fraction, and a bare
// value under 1 against a percent candidate may be the same percentage;
// both readings are kept.
func scaleReadings(cand, r domain.CandidateAnswer) []float64 {
	v := r.Number()
	candPct := cand.Format == domain.FormatPercentage
	recPct := r.Format == domain.FormatPercentage
	switch {
	case candPct && !recPct && math.Abs(v) < 1:
		return []float64{v, v * 100}
	case !candPct && recPct:
		return []float64{v, v / 100}
	default:
		return []float64{v}
	}
}

func near(v, target, tol float64) bool {
	return math.Abs(v/target-1) <= tol
}

// mostFrequent groups equivalent answers and returns the representative of
// the largest group. Numbers are equivalent when their rendered values
// match; text when it is nearly identical. Inputs are sorted first so the
// result does not depend on their order.
func mostFrequent(answers []string) string {
	if len(answers) == 0 {
		return ""
	}
	sorted := slices.Clone(answers)
	slices.Sort(sorted)

	type group struct {
		rep   string
		key   string
		count int
	}
	var groups []*group
	for _, a := range sorted {
		key := answerKey(a)
		var match *group
		for _, g := range groups {
			if g.key == key || (!isNumericKey(key) && !isNumericKey(g.key) && similarity(g.key, key) >= textAgreement) {
				match = g
				break
			}
		}
		if match == nil {
			groups = append(groups, &group{rep: a, key: key, count: 1})
			continue
		}
		match.count++
	}

	best := groups[0]
	for _, g := range groups[1:] {
		if g.count > best.count {
			best = g
		}
	}
	return best.rep
}

func answerKey(a string) string {
	p := domain.ParseAnswer(a)
	if p.IsNumeric() {
		return "#" + domain.FormatLike(p.Number(), p, p.Format)
	}
	return normalizeText(a)
}

func isNumericKey(k string) bool { return strings.HasPrefix(k, "#") }

// ConsistencyVoteUnit runs the ConsistencyVoter over the current answer and
// records its verdict. The gate decides what to do with it.
//
// Complex questions get the configured number of passes and simple ones a
// single pass. Passes run in parallel and are aggregated independently of
// their completion order. Oracle usage is added to the budget counters in
// the returned state even when every pass fails.
//
// Concurrency: the unit is safe for concurrent use as long as the oracle
// client is. Each Execute owns its own fan-out.
//
// Observability: each Execute emits a span with the planned and succeeded
// pass counts, the verdict and whether a scale override fired.
type ConsistencyVoteUnit struct {
	// name is the stage name stamped on issues and spans.
	name string
	// voter owns the oracle client and the voting configuration.
	voter *ConsistencyVoter
	// tracer starts one span per Execute.
	tracer trace.Tracer
}

// NewConsistencyVoteUnit creates the voting unit.
func NewConsistencyVoteUnit(name string, client ports.LLMClient, config ConsistencyVoteConfig) (*ConsistencyVoteUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	v, err := NewConsistencyVoter(client, config)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", name, err)
	}
	return &ConsistencyVoteUnit{
		name:   name,
		voter:  v,
		tracer: otel.Tracer("consistency-vote-unit"),
	}, nil
}

// Name returns the unit's stage name.
func (u *ConsistencyVoteUnit) Name() string { return u.name }

// Execute votes on the current answer.
//
// State requirements are those of the other stages: question, evidence,
// reasoner output and current answer. The result is stored under
// domain.KeyVote. An error is returned only when no pass succeeded.
func (u *ConsistencyVoteUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	ctx, span := u.tracer.Start(ctx, "ConsistencyVoteUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "consistency_vote"),
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

	passes := u.voter.PassesFor(in.question)
	res, tokens, err := u.voter.Vote(ctx, VoteRequest{
		Question:      in.question,
		Evidence:      in.evidence,
		Candidate:     in.answer,
		Reasoning:     in.output.Reasoning,
		KeepReasoning: in.traceMode == "debug",
	})
	state = withUsage(state, tokens, passes)
	if err != nil {
		span.RecordError(err)
		return state, err
	}

	span.SetAttributes(
		attribute.Int("vote.passes", passes),
		attribute.Int("vote.succeeded", res.Passes),
		attribute.Bool("vote.is_correct", res.IsCorrect),
		attribute.Bool("vote.scale_override", res.ScaleOverride),
	)

	lr := domain.LayerResult{
		Passed:         res.IsCorrect,
		Confidence:     voteConfidence(res),
		CorrectionType: "consistency_vote",
	}
	if res.ScaleOverride {
		lr.CorrectionType = "scale_override"
	}
	if !res.IsCorrect && res.Corrected != in.answer {
		lr.CorrectedAnswer = res.Corrected
	}

	state = domain.With(state, domain.KeyVote, res)
	return state.AppendStageResult(domain.StageResult{
		Stage:    u.name,
		Result:   lr,
		Duration: time.Since(start),
	}), nil
}

// voteConfidence is high when every surviving pass agreed on correctness.
func voteConfidence(res domain.VoteResult) domain.Confidence {
	agree := 0
	for _, v := range res.Votes {
		if v.IsCorrect == res.IsCorrect {
			agree++
		}
	}
	switch {
	case res.ScaleOverride, agree == len(res.Votes):
		return domain.ConfidenceHigh
	case agree*2 > len(res.Votes):
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// Validate checks the unit's configuration.
func (u *ConsistencyVoteUnit) Validate() error {
	if u.voter == nil || u.voter.client == nil {
		return fmt.Errorf("unit %s: %w", u.name, ErrNilLLMClient)
	}
	if err := validate.Struct(u.voter.config); err != nil {
		return fmt.Errorf("unit %s: configuration validation failed: %w", u.name, err)
	}
	return nil
}

// NewConsistencyVoteFromConfig builds the unit from a parameter map overlaid
// on the defaults.
func NewConsistencyVoteFromConfig(id string, params map[string]any, llm ports.LLMClient) (ports.Unit, error) {
	cfg := DefaultConsistencyVoteConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return NewConsistencyVoteUnit(id, llm, cfg)
}

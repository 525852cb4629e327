// Package units provides the verification stages of the fincheck pipeline
// as ports.Unit implementations: fast correction, formula recomputation,
// targeted re-extraction, consistency voting and the rule checkers.
package units

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

// Stage names. They appear in issues, logs, metrics and attempt records.
const (
	StageFastCorrection     = "fast_correction"
	StageFormulaRecompute   = "formula_recompute"
	StageReextraction       = "targeted_reextraction"
	StageConsistencyVote    = "consistency_vote"
	StageGrounding          = "grounding"
	StageScenario           = "scenario_consistency"
	StageTraceability       = "traceability"
	StageNumericConsistency = "numeric_consistency"
)

// Common errors returned by units.
var (
	// ErrEmptyUnitName is returned when a unit is created without a name.
	ErrEmptyUnitName = errors.New("unit name cannot be empty")

	// ErrNilLLMClient is returned when an oracle-backed unit has no client.
	ErrNilLLMClient = errors.New("LLM client cannot be nil")

	// ErrNoVotes is returned when every consistency pass failed.
	ErrNoVotes = errors.New("no consistency pass succeeded")

	// ErrTemplateExecution is returned when a prompt template fails to render.
	ErrTemplateExecution = errors.New("failed to execute prompt template")
)

// Package-level validator for configs and oracle responses.
var validate = validator.New()

// attemptInputs is the slice of attempt State a stage reads.
type attemptInputs struct {
	question  domain.Question
	evidence  domain.EvidenceBundle
	output    domain.ReasonerOutput
	answer    string
	traceMode string
}

// readAttempt pulls the stage inputs out of state. The question and the
// reasoner output are required; evidence may be empty.
func readAttempt(unit string, state domain.State) (attemptInputs, error) {
	q, ok := domain.Get(state, domain.KeyQuestion)
	if !ok {
		return attemptInputs{}, domain.NewStateError(domain.KeyQuestion.Name(), unit, domain.ErrKeyNotFound)
	}
	out, ok := domain.Get(state, domain.KeyReasonerOutput)
	if !ok {
		return attemptInputs{}, domain.NewStateError(domain.KeyReasonerOutput.Name(), unit, domain.ErrKeyNotFound)
	}
	ev, _ := domain.Get(state, domain.KeyEvidence)
	mode, _ := domain.Get(state, domain.KeyTraceLevel)

	return attemptInputs{
		question:  q,
		evidence:  ev,
		output:    out,
		answer:    state.CurrentAnswer(),
		traceMode: strings.ToLower(mode),
	}, nil
}

// SanitizeUserContent fences untrusted text so it cannot break out of its
// slot in a prompt.
func SanitizeUserContent(content string) string {
	content = strings.ReplaceAll(content, "```", "'''")
	return "```\n" + content + "\n```\n"
}

// supportsJSONMode guesses from the model name whether the provider honours
// a json_object response format.
func supportsJSONMode(client ports.LLMClient) bool {
	model := strings.ToLower(client.GetModel())
	return strings.Contains(model, "gpt") || strings.Contains(model, "claude")
}

// OracleOptions builds the request options shared by oracle-backed stages.
func OracleOptions(client ports.LLMClient, stage string, temperature float64, maxTokens int) map[string]any {
	opts := map[string]any{
		"temperature": temperature,
		"max_tokens":  maxTokens,
		"stage":       stage,
	}
	if supportsJSONMode(client) {
		opts["response_format"] = map[string]string{"type": "json_object"}
	}
	return opts
}

// callOracle sends prompt and decodes the JSON response into T, validating
// it with struct tags. Token usage is returned even when decoding fails.
func callOracle[T any](
	ctx context.Context,
	client ports.LLMClient,
	prompt string,
	opts map[string]any,
) (T, int, error) {
	var zero T
	resp, in, out, err := client.CompleteWithUsage(ctx, prompt, opts)
	tokens := in + out
	if err != nil {
		return zero, tokens, fmt.Errorf("oracle call: %w", err)
	}
	parsed, err := parseJSONResponse[T](resp)
	if err != nil {
		return zero, tokens, err
	}
	return parsed, tokens, nil
}

// withUsage records oracle consumption in state.
func withUsage(state domain.State, tokens, calls int) domain.State {
	if tokens < 0 {
		tokens = 0
	}
	return state.UpdateBudgetUsage(int64(tokens), int64(calls))
}

// stampStage sets the stage of every issue to the emitting unit's name.
func stampStage(issues []domain.Issue, stage string) []domain.Issue {
	for i := range issues {
		issues[i].Stage = stage
	}
	return issues
}

// decodeParams overlays a parameter map onto cfg via YAML so unset keys keep
// their defaults.
func decodeParams[C any](params map[string]any, cfg *C) error {
	if len(params) == 0 {
		return nil
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

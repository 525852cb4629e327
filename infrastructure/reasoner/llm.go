// Package reasoner provides the upstream reasoners the retry loop drives: an
// oracle-backed LLMReasoner and a ReplayReasoner that serves recorded
// outputs.
package reasoner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-fincheck/infrastructure/units"
	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.Reasoner = (*LLMReasoner)(nil)

// StageReasoner labels oracle requests made by the reasoner.
const StageReasoner = "reasoner"

// LLM reasoner defaults.
const (
	DefaultMaxTokens   = 1500
	DefaultTemperature = 0.0
	// DefaultRetryTemperature is used from the second attempt on so a retry
	// does not reproduce the same answer.
	DefaultRetryTemperature = 0.3
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const defaultPrompt = `You are a financial analyst answering a question from the evidence below.

Question:
{{.Question}}
Evidence (each block starts with its id in brackets):
{{.Evidence}}
{{- if .Issues}}
A previous answer to this question was rejected{{if .Previous}} ({{.Previous}}){{end}} for these problems:
{{- range .Issues}}
- {{.}}
{{- end}}
Avoid repeating them.
{{- end}}

Work step by step. Use only numbers that appear in the evidence. Give a
percentage with a percent sign and a plain amount without one.`

const jsonInstruction = `

Respond with a JSON object only:
{"answer": "<final answer>", "reasoning": "<your steps>", "citations": ["<evidence id>"], "operands": [{"label": "<line item and year>", "value": <number>}]}`

// Config configures an LLMReasoner.
type Config struct {
	// Prompt is a Go template. It sees .Question, .Evidence, .Issues and
	// .Previous.
	Prompt           string  `yaml:"prompt" json:"prompt" validate:"required,min=20"`
	Temperature      float64 `yaml:"temperature" json:"temperature" validate:"min=0.0,max=1.0"`
	RetryTemperature float64 `yaml:"retry_temperature" json:"retry_temperature" validate:"min=0.0,max=1.0"`
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens" validate:"required,min=100,max=8000"`
}

// DefaultConfig returns the default reasoner settings.
func DefaultConfig() Config {
	return Config{
		Prompt:           defaultPrompt,
		Temperature:      DefaultTemperature,
		RetryTemperature: DefaultRetryTemperature,
		MaxTokens:        DefaultMaxTokens,
	}
}

// ConfigFromParams overlays params onto DefaultConfig.
func ConfigFromParams(params map[string]any) (Config, error) {
	cfg := DefaultConfig()
	if len(params) == 0 {
		return cfg, nil
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return cfg, fmt.Errorf("marshal reasoner config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse reasoner config: %w", err)
	}
	return cfg, nil
}

type response struct {
	Answer    string    `json:"answer" validate:"required"`
	Reasoning string    `json:"reasoning"`
	Citations []string  `json:"citations"`
	Operands  []operand `json:"operands" validate:"dive"`
}

type operand struct {
	Label string  `json:"label" validate:"required"`
	Value float64 `json:"value"`
}

// Option configures an LLMReasoner.
type Option func(*LLMReasoner)

// WithLogger sets the reasoner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *LLMReasoner) {
		if l != nil {
			r.logger = l
		}
	}
}

// LLMReasoner asks the oracle to answer the question from the evidence and
// returns its structured reply. Retries see the previous attempt's issues.
type LLMReasoner struct {
	client ports.LLMClient
	config Config
	prompt *template.Template
	logger *zap.Logger
	tracer trace.Tracer
}

// NewLLMReasoner validates config and compiles the prompt.
func NewLLMReasoner(client ports.LLMClient, config Config, opts ...Option) (*LLMReasoner, error) {
	if client == nil {
		return nil, units.ErrNilLLMClient
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("reasoner configuration validation failed: %w", err)
	}
	tmpl, err := template.New("reasoner").Funcs(units.GetTemplateFuncMap()).Parse(config.Prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reasoner prompt: %w", err)
	}

	r := &LLMReasoner{
		client: client,
		config: config,
		prompt: tmpl,
		logger: zap.NewNop(),
		tracer: otel.Tracer("llm-reasoner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reason runs one oracle call. Transport and decoding failures wrap
// ports.ErrReasonerUnavailable; the raw response and token usage are kept in
// RawOutput.
func (r *LLMReasoner) Reason(ctx context.Context, req ports.ReasonRequest) (domain.ReasonerOutput, error) {
	ctx, span := r.tracer.Start(ctx, "LLMReasoner.Reason", trace.WithAttributes(
		attribute.Int("reasoner.attempt", req.Attempt),
		attribute.Int("reasoner.previous_issues", len(req.PreviousIssues)),
		attribute.String("reasoner.model", r.client.GetModel()),
	))
	defer span.End()

	prompt, err := r.buildPrompt(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.ReasonerOutput{}, err
	}

	temp := r.config.Temperature
	if req.Attempt > 1 {
		temp = r.config.RetryTemperature
	}
	opts := units.OracleOptions(r.client, StageReasoner, temp, r.config.MaxTokens)

	text, in, out, err := r.client.CompleteWithUsage(ctx, prompt, opts)
	span.SetAttributes(attribute.Int("reasoner.tokens", in+out))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "oracle call failed")
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return domain.ReasonerOutput{}, err
		}
		return domain.ReasonerOutput{}, fmt.Errorf("%w: %w", ports.ErrReasonerUnavailable, err)
	}

	resp, err := units.DecodeOracleJSON[response](text)
	if err != nil {
		span.SetStatus(codes.Error, "invalid reasoner response")
		r.logger.Warn("reasoner: invalid response",
			zap.Int("attempt", req.Attempt),
			zap.Int("response_len", len(text)),
			zap.Error(err),
		)
		return domain.ReasonerOutput{}, fmt.Errorf("%w: %w", ports.ErrReasonerUnavailable, err)
	}

	output := domain.ReasonerOutput{
		Answer:    strings.TrimSpace(resp.Answer),
		Reasoning: resp.Reasoning,
		Citations: knownCitations(resp.Citations, req.Evidence),
		Operands:  make([]domain.Operand, len(resp.Operands)),
		RawOutput: map[string]string{
			"model":      r.client.GetModel(),
			"response":   text,
			"tokens_in":  strconv.Itoa(in),
			"tokens_out": strconv.Itoa(out),
		},
	}
	for i, o := range resp.Operands {
		output.Operands[i] = domain.Operand{Label: o.Label, Value: o.Value}
	}
	r.logger.Debug("reasoner: answered",
		zap.Int("attempt", req.Attempt),
		zap.String("answer", output.Answer),
		zap.Int("citations", len(output.Citations)),
	)
	span.SetStatus(codes.Ok, "")
	return output, nil
}

func (r *LLMReasoner) buildPrompt(req ports.ReasonRequest) (string, error) {
	var buf bytes.Buffer
	err := r.prompt.Execute(&buf, struct {
		Question string
		Evidence string
		Issues   []string
		Previous string
	}{
		Question: units.SanitizeUserContent(req.Question.Text),
		Evidence: units.SanitizeUserContent(req.Evidence.Flatten()),
		Issues:   domain.IssueMessages(req.PreviousIssues),
		Previous: previousAnswer(req.PreviousIssues),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", units.ErrTemplateExecution, err)
	}
	return buf.String() + jsonInstruction, nil
}

// previousAnswer names the stages that rejected the last attempt.
func previousAnswer(issues []domain.Issue) string {
	var stages []string
	for _, is := range issues {
		if is.Stage != "" && !slices.Contains(stages, is.Stage) {
			stages = append(stages, is.Stage)
		}
	}
	if len(stages) == 0 {
		return ""
	}
	return "flagged by " + strings.Join(stages, ", ")
}

// knownCitations keeps citations that name an evidence block, tolerating
// brackets and case differences. Unknown ids are kept as given so
// traceability can flag them.
func knownCitations(cited []string, evidence domain.EvidenceBundle) []string {
	ids := evidence.IDs()
	out := make([]string, 0, len(cited))
	for _, c := range cited {
		c = strings.Trim(strings.TrimSpace(c), "[]")
		if c == "" {
			continue
		}
		if i := slices.IndexFunc(ids, func(id string) bool { return strings.EqualFold(id, c) }); i >= 0 {
			c = ids[i]
		}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

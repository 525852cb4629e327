package application

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-fincheck/infrastructure/units"
)

// Pipeline defaults.
const (
	DefaultMaxRetries                = 2
	DefaultMinReextractionConfidence = 0.7
	DefaultRequiredCitations         = units.DefaultRequiredCitations
	DefaultTraceLevel                = "basic"
	DefaultBudgetMaxTokens           = 50_000
	DefaultBudgetMaxCalls            = 10
)

// PipelineConfig tunes the verification gate and the retry loop. Stage
// thresholds live in Stages, keyed by stage name, and are overlaid on each
// stage's own defaults when the stage is built.
type PipelineConfig struct {
	// MaxRetries is the number of extra reasoner attempts after the first.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries" validate:"min=0,max=10"`
	// EarlyExit skips the consistency voter when no issue has been found.
	EarlyExit bool `yaml:"early_exit" mapstructure:"early_exit" json:"early_exit"`
	// MinReextractionConfidence is the score a re-extraction proposal needs
	// before the gate accepts it.
	MinReextractionConfidence float64 `yaml:"min_reextraction_confidence" mapstructure:"min_reextraction_confidence" json:"min_reextraction_confidence" validate:"gte=0,lte=1"`
	// RequiredCitations feeds both status derivation and the grounding rule.
	RequiredCitations int `yaml:"required_citations" mapstructure:"required_citations" json:"required_citations" validate:"min=0,max=20"`
	// TraceLevel is "basic" or "debug"; debug keeps oracle reasoning.
	TraceLevel string `yaml:"trace_level" mapstructure:"trace_level" json:"trace_level" validate:"oneof=basic debug"`
	// Budget caps oracle use per attempt.
	Budget BudgetConfig `yaml:"budget" mapstructure:"budget" json:"budget"`
	// RuleStages lists the rule checkers run on the full check, in order.
	RuleStages []string `yaml:"rule_stages" mapstructure:"rule_stages" json:"rule_stages" validate:"min=1,unique,dive,stagename"`
	// Stages holds per-stage parameters.
	Stages map[string]map[string]any `yaml:"stages,omitempty" mapstructure:"stages" json:"stages,omitempty" validate:"dive,keys,stagename,endkeys"`
}

// BudgetConfig caps the oracle tokens and calls one attempt may spend.
// Zero means unlimited.
type BudgetConfig struct {
	MaxTokens int64 `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" validate:"min=0,max=1000000"`
	MaxCalls  int64 `yaml:"max_calls" mapstructure:"max_calls" json:"max_calls" validate:"min=0,max=1000"`
}

// DefaultRuleStages is the rule checker order on the full check.
func DefaultRuleStages() []string {
	return []string{
		units.StageGrounding,
		units.StageScenario,
		units.StageTraceability,
		units.StageNumericConsistency,
	}
}

// DefaultPipelineConfig returns the default pipeline configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxRetries:                DefaultMaxRetries,
		MinReextractionConfidence: DefaultMinReextractionConfidence,
		RequiredCitations:         DefaultRequiredCitations,
		TraceLevel:                DefaultTraceLevel,
		Budget: BudgetConfig{
			MaxTokens: DefaultBudgetMaxTokens,
			MaxCalls:  DefaultBudgetMaxCalls,
		},
		RuleStages: DefaultRuleStages(),
	}
}

// ParsePipelineConfig decodes YAML over the defaults. Unknown fields are
// rejected; the result is validated before it is returned.
func ParsePipelineConfig(data []byte) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return PipelineConfig{}, fmt.Errorf("decode pipeline config: %w", err)
	}
	if err := ValidatePipelineConfig(cfg); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

// StageParams returns a copy of the parameters configured for stage, with
// pipeline-wide settings filled in where the stage takes them.
func (c PipelineConfig) StageParams(stage string) map[string]any {
	params := maps.Clone(c.Stages[stage])
	if params == nil {
		params = make(map[string]any)
	}
	if stage == units.StageGrounding {
		if _, ok := params["required_citations"]; !ok {
			params["required_citations"] = c.RequiredCitations
		}
	}
	return params
}

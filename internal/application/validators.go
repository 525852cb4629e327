package application

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-fincheck/infrastructure/units"
)

// builtinStages are the stage types the default registry knows.
var builtinStages = []string{
	units.StageFastCorrection,
	units.StageFormulaRecompute,
	units.StageReextraction,
	units.StageConsistencyVote,
	units.StageGrounding,
	units.StageScenario,
	units.StageTraceability,
	units.StageNumericConsistency,
}

// gateStages run at fixed points of the gate and cannot be listed as rule
// stages.
var gateStages = []string{
	units.StageFastCorrection,
	units.StageFormulaRecompute,
	units.StageReextraction,
	units.StageConsistencyVote,
}

func isBuiltinStage(name string) bool { return slices.Contains(builtinStages, name) }

var pipelineValidator = newConfigValidator(isBuiltinStage)

// newConfigValidator returns a validator with the "stagename" tag bound to
// known.
func newConfigValidator(known func(string) bool) *validator.Validate {
	v := validator.New()
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("stagename", func(fl validator.FieldLevel) bool {
		return known(fl.Field().String())
	})
	return v
}

// ValidatePipelineConfig checks cfg against its struct tags and checks the
// parameters of every built-in stage it configures.
func ValidatePipelineConfig(cfg PipelineConfig) error {
	return validatePipelineConfig(pipelineValidator, cfg)
}

func validatePipelineConfig(v *validator.Validate, cfg PipelineConfig) error {
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}

	for _, stage := range cfg.RuleStages {
		if slices.Contains(gateStages, stage) {
			return fmt.Errorf("invalid pipeline config: %s cannot run as a rule stage", stage)
		}
	}

	names := make([]string, 0, len(cfg.Stages))
	for name := range cfg.Stages {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := ValidateStageParameters(name, cfg.StageParams(name)); err != nil {
			return fmt.Errorf("invalid pipeline config: stage %s: %w", name, err)
		}
	}
	return nil
}

// ValidateStageParameters checks params against the configuration of a
// built-in stage. Unknown keys are rejected. Stages registered at runtime
// are checked by their own factories.
func ValidateStageParameters(stage string, params map[string]any) error {
	switch stage {
	case units.StageFastCorrection:
		return checkParams(params, units.DefaultFastCorrectionConfig())
	case units.StageFormulaRecompute:
		return checkParams(params, units.DefaultFormulaRecomputeConfig())
	case units.StageReextraction:
		return checkParams(params, units.DefaultReextractionConfig())
	case units.StageConsistencyVote:
		return checkParams(params, units.DefaultConsistencyVoteConfig())
	case units.StageGrounding:
		return checkParams(params, units.DefaultGroundingConfig())
	case units.StageScenario:
		return checkParams(params, units.DefaultScenarioConfig())
	case units.StageNumericConsistency:
		return checkParams(params, units.DefaultNumericConsistencyConfig())
	case units.StageTraceability:
		if len(params) > 0 {
			return fmt.Errorf("%s takes no parameters", stage)
		}
		return nil
	default:
		return nil
	}
}

// checkParams overlays params on cfg with strict decoding and validates the
// result.
func checkParams[C any](params map[string]any, cfg C) error {
	if len(params) == 0 {
		return nil
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := pipelineValidator.Struct(cfg); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	return nil
}

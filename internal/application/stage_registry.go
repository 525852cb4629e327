package application

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ahrav/go-fincheck/infrastructure/units"
	"github.com/ahrav/go-fincheck/internal/ports"
)

// StageFactory builds a stage unit from its ID, a parameter map overlaid on
// the stage's defaults, and the oracle client. Non-oracle stages ignore the
// client.
type StageFactory func(id string, params map[string]any, llm ports.LLMClient) (ports.Unit, error)

// ErrUnknownStage is returned when no factory is registered for a stage type.
var ErrUnknownStage = errors.New("unknown stage type")

// StageRegistry creates verification stages by type. It comes with every
// built-in stage registered and injects its oracle client into the
// factories that need one.
type StageRegistry struct {
	// factories maps stage types to their factory functions.
	factories map[string]StageFactory
	// llmClient is injected into oracle-backed stages. It may be nil, in
	// which case those stages cannot be built.
	llmClient ports.LLMClient
	mu        sync.RWMutex
}

// NewStageRegistry creates a registry with the built-in stages registered.
func NewStageRegistry(llmClient ports.LLMClient) *StageRegistry {
	return &StageRegistry{
		llmClient: llmClient,
		factories: map[string]StageFactory{
			units.StageFastCorrection:     units.NewFastCorrectionFromConfig,
			units.StageFormulaRecompute:   units.NewFormulaRecomputeFromConfig,
			units.StageReextraction:       units.NewReextractionFromConfig,
			units.StageConsistencyVote:    units.NewConsistencyVoteFromConfig,
			units.StageGrounding:          units.NewGroundingFromConfig,
			units.StageScenario:           units.NewScenarioFromConfig,
			units.StageTraceability:       units.NewTraceabilityFromConfig,
			units.StageNumericConsistency: units.NewNumericConsistencyFromConfig,
		},
	}
}

// CreateUnit builds the stage of the given type. The unit is named after
// its type, which is the name its issues and metrics carry.
func (r *StageRegistry) CreateUnit(stageType string, params map[string]any) (ports.Unit, error) {
	r.mu.RLock()
	factory, ok := r.factories[stageType]
	client := r.llmClient
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stageType)
	}
	if params == nil {
		params = make(map[string]any)
	}

	unit, err := factory(stageType, params, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage %s: %w", stageType, err)
	}
	return unit, nil
}

// RegisterStageFactory registers or replaces the factory for stageType.
func (r *StageRegistry) RegisterStageFactory(stageType string, factory StageFactory) error {
	if stageType == "" {
		return fmt.Errorf("stage type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory function cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stageType] = factory
	return nil
}

// Has reports whether a factory is registered for stageType.
func (r *StageRegistry) Has(stageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[stageType]
	return ok
}

// SupportedStages returns the registered stage types, sorted.
func (r *StageRegistry) SupportedStages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// SetLLMClient replaces the oracle client used for stages built from now on.
func (r *StageRegistry) SetLLMClient(client ports.LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmClient = client
}

// LLMClient returns the current oracle client.
func (r *StageRegistry) LLMClient() ports.LLMClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llmClient
}

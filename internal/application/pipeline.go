package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.Unit = (*Pipeline)(nil)

// StageRunner executes one unit and absorbs its failure into the returned
// State. The gate's runner records failures as stage_inconclusive issues.
type StageRunner func(ctx context.Context, unit ports.Unit, state domain.State) domain.State

// Pipeline runs units sequentially, feeding each unit's State to the next.
// Use Pipeline for the rule checkers, which have no ordering dependencies
// but must each see the answer the previous stages settled on.
type Pipeline struct {
	// id names the pipeline in errors and logs.
	id string
	// units holds the stages in execution order.
	units []ports.Unit
	// idSet tracks unit names for duplicate detection.
	idSet map[string]struct{}
	// runner isolates stage failures when set.
	runner StageRunner
	mu     sync.RWMutex
}

// NewPipeline creates an empty pipeline. With a nil runner the pipeline
// stops at the first failing unit.
func NewPipeline(id string, runner StageRunner) *Pipeline {
	return &Pipeline{
		id:     id,
		idSet:  make(map[string]struct{}),
		runner: runner,
	}
}

// Name returns the pipeline ID.
func (p *Pipeline) Name() string { return p.id }

// Add appends unit to the pipeline. Unit names must be unique.
func (p *Pipeline) Add(unit ports.Unit) error {
	if unit == nil {
		return fmt.Errorf("cannot add nil unit to pipeline")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	name := unit.Name()
	if _, exists := p.idSet[name]; exists {
		return fmt.Errorf("unit %s already exists in pipeline %s", name, p.id)
	}
	p.units = append(p.units, unit)
	p.idSet[name] = struct{}{}
	return nil
}

// Units returns a copy of the pipeline's units in execution order.
func (p *Pipeline) Units() []ports.Unit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ports.Unit, len(p.units))
	copy(out, p.units)
	return out
}

// Execute runs every unit in order. It returns early only when ctx is
// cancelled or, without a runner, when a unit fails.
func (p *Pipeline) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	current := state
	for _, unit := range p.Units() {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		if p.runner != nil {
			current = p.runner(ctx, unit, current)
			continue
		}
		next, err := unit.Execute(ctx, current)
		if err != nil {
			return current, fmt.Errorf("pipeline %s: execution failed at %s: %w", p.id, unit.Name(), err)
		}
		current = next
	}
	return current, nil
}

// Validate validates every unit.
func (p *Pipeline) Validate() error {
	var errs []error
	for _, unit := range p.Units() {
		if err := unit.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

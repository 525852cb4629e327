// Package ports defines the interfaces between the verification core and
// the infrastructure that backs it: pipeline stages, the oracle, the
// upstream reasoner, metrics and attempt recording.
package ports

import (
	"context"

	"github.com/ahrav/go-fincheck/internal/domain"
)

// Unit is one verification stage. A Unit reads the attempt State, records
// its StageResult, and returns a new State; it never mutates its input.
// Units must be safe to re-run for a later attempt.
type Unit interface {
	// Name returns the stage name used in issues, logs and metrics.
	Name() string

	// Execute runs the stage against state. Errors signal infrastructure
	// failures (an oracle outage, an exhausted budget); defects in the
	// answer are reported as issues inside the returned State instead.
	//
	//	next, err := unit.Execute(ctx, state)
	//	if err != nil {
	//	    return state, fmt.Errorf("stage %s: %w", unit.Name(), err)
	//	}
	Execute(ctx context.Context, state domain.State) (domain.State, error)

	// Validate checks that the unit is configured and has its collaborators.
	Validate() error
}

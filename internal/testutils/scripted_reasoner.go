package testutils

import (
	"context"
	"sync"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.Reasoner = (*ScriptedReasoner)(nil)

// ScriptedStep is one scripted reasoner reply.
type ScriptedStep struct {
	Output domain.ReasonerOutput
	Err    error
}

// ScriptedReasoner replays steps in order, one per Reason call, and repeats
// the last step once the script runs out. It records every request and is
// safe for concurrent use.
type ScriptedReasoner struct {
	mu       sync.Mutex
	steps    []ScriptedStep
	requests []ports.ReasonRequest
}

// NewScriptedReasoner creates a reasoner that returns outputs in order.
func NewScriptedReasoner(outputs ...domain.ReasonerOutput) *ScriptedReasoner {
	r := &ScriptedReasoner{}
	for _, o := range outputs {
		r.steps = append(r.steps, ScriptedStep{Output: o})
	}
	return r
}

// Then appends a step.
func (r *ScriptedReasoner) Then(step ScriptedStep) *ScriptedReasoner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	return r
}

// Reason returns the next scripted step.
func (r *ScriptedReasoner) Reason(ctx context.Context, req ports.ReasonRequest) (domain.ReasonerOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReasonerOutput{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if len(r.steps) == 0 {
		return domain.ReasonerOutput{}, nil
	}
	i := min(len(r.requests), len(r.steps)) - 1
	step := r.steps[i]
	return step.Output, step.Err
}

// Requests returns a copy of every request received.
func (r *ScriptedReasoner) Requests() []ports.ReasonRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.ReasonRequest(nil), r.requests...)
}

// Calls returns how many times Reason was called.
func (r *ScriptedReasoner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

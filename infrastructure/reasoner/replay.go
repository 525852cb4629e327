package reasoner

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.Reasoner = (*ReplayReasoner)(nil)

// ReplayReasoner serves recorded reasoner outputs by attempt number. Attempt
// n gets the n-th recording; attempts past the end get the last one, so a
// single recording replays for every retry.
type ReplayReasoner struct {
	outputs []domain.ReasonerOutput

	mu       sync.Mutex
	requests []ports.ReasonRequest
}

// NewReplayReasoner creates a reasoner over outputs. It fails when there is
// nothing to replay.
func NewReplayReasoner(outputs ...domain.ReasonerOutput) (*ReplayReasoner, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("replay reasoner: %w: no recorded outputs", ports.ErrReasonerUnavailable)
	}
	return &ReplayReasoner{outputs: outputs}, nil
}

// Reason returns the recording for req.Attempt.
func (r *ReplayReasoner) Reason(ctx context.Context, req ports.ReasonRequest) (domain.ReasonerOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReasonerOutput{}, err
	}
	if req.Attempt < 1 {
		return domain.ReasonerOutput{}, fmt.Errorf("replay reasoner: attempt must be 1-based, got %d", req.Attempt)
	}

	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	i := min(req.Attempt, len(r.outputs)) - 1
	return r.outputs[i], nil
}

// Requests returns a copy of the requests served so far.
func (r *ReplayReasoner) Requests() []ports.ReasonRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.ReasonRequest(nil), r.requests...)
}

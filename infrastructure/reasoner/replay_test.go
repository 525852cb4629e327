package reasoner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

func TestNewReplayReasoner_Empty(t *testing.T) {
	_, err := NewReplayReasoner()
	require.ErrorIs(t, err, ports.ErrReasonerUnavailable)
}

func TestReplayReasoner_ServesByAttempt(t *testing.T) {
	first := domain.ReasonerOutput{Answer: "90"}
	second := domain.ReasonerOutput{Answer: "100"}
	r, err := NewReplayReasoner(first, second)
	require.NoError(t, err)

	tests := []struct {
		attempt int
		want    string
	}{
		{attempt: 1, want: "90"},
		{attempt: 2, want: "100"},
		{attempt: 3, want: "100"},
	}
	for _, tt := range tests {
		out, err := r.Reason(context.Background(), ports.ReasonRequest{Attempt: tt.attempt})
		require.NoError(t, err)
		assert.Equal(t, tt.want, out.Answer, "attempt %d", tt.attempt)
	}
	assert.Len(t, r.Requests(), 3)
}

func TestReplayReasoner_Errors(t *testing.T) {
	r, err := NewReplayReasoner(domain.ReasonerOutput{Answer: "1"})
	require.NoError(t, err)

	_, err = r.Reason(context.Background(), ports.ReasonRequest{Attempt: 0})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Reason(ctx, ports.ReasonRequest{Attempt: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.Requests())
}

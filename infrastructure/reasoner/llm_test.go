package reasoner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-fincheck/infrastructure/units"
	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
	"github.com/ahrav/go-fincheck/internal/profile"
	"github.com/ahrav/go-fincheck/internal/testutils"
)

const revenueQuestion = "What was the change in net revenue from 2018 to 2019?"

const goodReply = "```json\n" + `{"answer": " 100 ", "reasoning": "500 - 400", "citations": ["[P1]", "t1", "t1", "x9"],
 "operands": [{"label": "2019 net revenue", "value": 500}, {"label": "2018 net revenue", "value": 400}]}` + "\n```"

func request(attempt int, issues ...domain.Issue) ports.ReasonRequest {
	return ports.ReasonRequest{
		Question:       profile.Profile(revenueQuestion),
		Evidence:       testutils.RevenueEvidence(),
		Attempt:        attempt,
		PreviousIssues: issues,
	}
}

func TestNewLLMReasoner(t *testing.T) {
	client := testutils.NewMockLLMClient("gpt-4o")

	_, err := NewLLMReasoner(nil, DefaultConfig())
	require.ErrorIs(t, err, units.ErrNilLLMClient)

	bad := DefaultConfig()
	bad.MaxTokens = 10
	_, err = NewLLMReasoner(client, bad)
	require.Error(t, err)

	broken := DefaultConfig()
	broken.Prompt = "{{.Question" + " is never closed"
	_, err = NewLLMReasoner(client, broken)
	require.ErrorContains(t, err, "parse reasoner prompt")

	_, err = NewLLMReasoner(client, DefaultConfig())
	require.NoError(t, err)
}

func TestLLMReasoner_Reason(t *testing.T) {
	client := testutils.NewMockLLMClient("gpt-4o")
	client.AddResponse(testutils.MockResponse{Response: goodReply, TokensUsed: 40})
	r, err := NewLLMReasoner(client, DefaultConfig())
	require.NoError(t, err)

	out, err := r.Reason(context.Background(), request(1))
	require.NoError(t, err)

	assert.Equal(t, "100", out.Answer)
	assert.Equal(t, "500 - 400", out.Reasoning)
	assert.Equal(t, []string{"p1", "t1", "x9"}, out.Citations, "ids normalized, deduplicated, unknown kept")
	assert.Equal(t, []domain.Operand{{Label: "2019 net revenue", Value: 500}, {Label: "2018 net revenue", Value: 400}}, out.Operands)
	assert.Equal(t, "gpt-4o", out.RawOutput["model"])
	assert.Equal(t, "40", out.RawOutput["tokens_out"])

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "Net revenue increased to $500 million")
	assert.Contains(t, calls[0].Prompt, "[t1]")
	assert.NotContains(t, calls[0].Prompt, "rejected")
	assert.Equal(t, StageReasoner, calls[0].Options["stage"])
	assert.Equal(t, DefaultTemperature, calls[0].Options["temperature"])
	assert.Equal(t, map[string]string{"type": "json_object"}, calls[0].Options["response_format"])
}

func TestLLMReasoner_RetryCarriesIssues(t *testing.T) {
	client := testutils.NewMockLLMClient("claude-3-5-sonnet-latest")
	client.AddResponse(testutils.MockResponse{Response: goodReply})
	r, err := NewLLMReasoner(client, DefaultConfig())
	require.NoError(t, err)

	issues := []domain.Issue{
		domain.NewIssue("formula_recompute", domain.IssueRecomputeMismatch, "answer 25% differs from recomputed 100"),
		domain.NewIssue("grounding", domain.IssueGroundingGap, "90 not in evidence"),
	}
	_, err = r.Reason(context.Background(), request(2, issues...))
	require.NoError(t, err)

	call := client.Calls()[0]
	assert.Contains(t, call.Prompt, "flagged by formula_recompute, grounding")
	assert.Contains(t, call.Prompt, "answer 25% differs from recomputed 100")
	assert.Equal(t, DefaultRetryTemperature, call.Options["temperature"])
}

func TestLLMReasoner_Failures(t *testing.T) {
	tests := []struct {
		name   string
		reply  testutils.MockResponse
		wantIs error
	}{
		{
			name:   "oracle error",
			reply:  testutils.MockResponse{Err: ports.ErrServiceUnavailable},
			wantIs: ports.ErrServiceUnavailable,
		},
		{
			name:   "no json",
			reply:  testutils.MockResponse{Response: "The answer is 100."},
			wantIs: ports.ErrInvalidResponse,
		},
		{
			name:   "missing answer",
			reply:  testutils.MockResponse{Response: `{"reasoning": "none"}`},
			wantIs: ports.ErrInvalidResponse,
		},
		{
			name:   "unlabelled operand",
			reply:  testutils.MockResponse{Response: `{"answer": "1", "operands": [{"value": 2}]}`},
			wantIs: ports.ErrInvalidResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutils.NewMockLLMClient("gpt-4o")
			client.AddResponse(tt.reply)
			r, err := NewLLMReasoner(client, DefaultConfig())
			require.NoError(t, err)

			_, err = r.Reason(context.Background(), request(1))
			require.ErrorIs(t, err, ports.ErrReasonerUnavailable)
			assert.ErrorIs(t, err, tt.wantIs)
		})
	}
}

func TestLLMReasoner_CancelledContext(t *testing.T) {
	client := testutils.NewMockLLMClient("gpt-4o")
	client.AddResponse(testutils.MockResponse{Response: goodReply})
	r, err := NewLLMReasoner(client, DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Reason(ctx, request(1))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ports.ErrReasonerUnavailable))
}

func TestConfigFromParams(t *testing.T) {
	cfg, err := ConfigFromParams(map[string]any{"max_tokens": 600, "retry_temperature": 0.5})
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.MaxTokens)
	assert.Equal(t, 0.5, cfg.RetryTemperature)
	assert.Equal(t, defaultPrompt, cfg.Prompt)

	cfg, err = ConfigFromParams(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = ConfigFromParams(map[string]any{"max_tokens": "lots"})
	require.Error(t, err)
}

func TestKnownCitations(t *testing.T) {
	ev := testutils.RevenueEvidence()
	assert.Equal(t, []string{"t1"}, knownCitations([]string{" [T1] ", ""}, ev))
	assert.Empty(t, knownCitations(nil, ev))
}

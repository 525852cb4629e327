package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-fincheck/infrastructure/units"
	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/testutils"
)

const agreeingVote = `{"is_correct": true, "recomputed_value": "100", "corrected_answer": "", "error_category": "none", "reasoning": "500 - 400"}`

func newIntegrationOrchestrator(t *testing.T, r *testutils.ScriptedReasoner, client *testutils.MockLLMClient) (*Orchestrator, *memoryRecorder) {
	t.Helper()
	cfg := DefaultPipelineConfig()
	reg := NewStageRegistry(nil)
	if client != nil {
		reg.SetLLMClient(client)
	}
	gate, err := BuildGate(reg, cfg)
	require.NoError(t, err)

	rec := &memoryRecorder{}
	o, err := NewOrchestrator(r, gate, cfg.MaxRetries, WithRecorder(rec))
	require.NoError(t, err)
	return o, rec
}

func TestIntegration_CorrectAnswerVerifies(t *testing.T) {
	client := testutils.NewMockLLMClient("gpt-4o")
	client.AddResponse(testutils.MockResponse{Response: agreeingVote, TokensUsed: 30})
	r := testutils.NewScriptedReasoner(testutils.RevenueChangeOutput())

	o, rec := newIntegrationOrchestrator(t, r, client)
	res, err := o.Run(context.Background(), revenueQuestion, testutils.RevenueEvidence())
	require.NoError(t, err)

	assert.True(t, res.Outcome.Verified)
	assert.Equal(t, "100", res.Answer)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, r.Calls())
	assert.False(t, domain.HasIssueKind(res.Outcome.Issues,
		domain.IssueGroundingGap, domain.IssueMissingCitations, domain.IssueEmptyAnswer))

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, units.StageFastCorrection, records[0].Stages[0].Stage)
	assert.Equal(t, res.Answer, records[0].FinalAnswer)
}

func TestIntegration_UngroundedCitationRetries(t *testing.T) {
	bad := testutils.RevenueChangeOutput()
	bad.Citations = []string{"p7"}
	r := testutils.NewScriptedReasoner(bad, testutils.RevenueChangeOutput())

	o, _ := newIntegrationOrchestrator(t, r, nil)
	res, err := o.Run(context.Background(), revenueQuestion, testutils.RevenueEvidence())
	require.NoError(t, err)

	assert.Equal(t, 2, r.Calls())
	assert.Equal(t, domain.StatusHardFail, res.Records[0].Outcome.Status)
	assert.True(t, domain.HasIssueKind(r.Requests()[1].PreviousIssues, domain.IssueGroundingGap))
	assert.True(t, res.Outcome.Verified)
}

func TestIntegration_MissingCitationsFallsBack(t *testing.T) {
	out := testutils.RevenueChangeOutput()
	out.Citations = nil
	r := testutils.NewScriptedReasoner(out)

	o, _ := newIntegrationOrchestrator(t, r, nil)
	res, err := o.Run(context.Background(), revenueQuestion, testutils.RevenueEvidence())
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRetries+1, r.Calls())
	assert.Equal(t, domain.StatusSoftFail, res.Outcome.Status)
	assert.Equal(t, "100", res.Answer)
	assert.True(t, domain.HasIssueKind(res.Outcome.Issues, domain.IssueMissingCitations))
	assert.True(t, domain.HasIssueKind(res.Outcome.Issues, domain.IssueRetryFallback))
	assert.Equal(t, domain.ConfidenceTier{Label: "Low", Score: 0.6}, res.Tier)
}

func TestIntegration_OracleOutageIsInconclusive(t *testing.T) {
	client := testutils.NewMockLLMClient("gpt-4o")
	client.AddResponse(testutils.MockResponse{Response: "the service is down"})
	r := testutils.NewScriptedReasoner(testutils.RevenueChangeOutput())

	o, _ := newIntegrationOrchestrator(t, r, client)
	res, err := o.Run(context.Background(), revenueQuestion, testutils.RevenueEvidence())
	require.NoError(t, err)

	// Unparseable oracle replies degrade the voter, never the verdict.
	assert.True(t, res.Outcome.Verified)
	assert.Equal(t, "100", res.Answer)
	assert.True(t, domain.HasIssueKind(res.Outcome.Issues, domain.IssueStageInconclusive))
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	soft := NewIssue("numeric_consistency", IssueNumericInconsistency, "10 + 5 = 16")

	tests := []struct {
		name      string
		issues    []Issue
		answer    string
		citations int
		required  int
		want      Status
	}{
		{name: "no issues", answer: "25%", want: StatusPass},
		{name: "no issues without answer still pass", want: StatusPass},
		{name: "issues with citations", issues: []Issue{soft}, answer: "25%", citations: 2, required: 1, want: StatusPartialPass},
		{name: "issues with zero required", issues: []Issue{soft}, answer: "25%", want: StatusPartialPass},
		{name: "issues without citations", issues: []Issue{soft}, answer: "25%", citations: 0, required: 1, want: StatusHardFail},
		{name: "issues with empty answer", issues: []Issue{soft}, answer: "", citations: 3, required: 1, want: StatusHardFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.issues, tt.answer, tt.citations, tt.required))
		})
	}
}

// TestDeriveStatus_HardFailDominates checks that any hard-fail kind forces
// HARD_FAIL wherever it sits in the issue list.
func TestDeriveStatus_HardFailDominates(t *testing.T) {
	soft := []Issue{
		NewIssue("fast_correction", IssueUnitAmbiguous, "0.5%"),
		NewIssue("formula_recompute", IssueRecomputeMismatch, "got 12 want 13"),
		NewIssue("scenario", IssueScenarioMismatch, "2019 not referenced"),
	}

	for _, kind := range hardFailKinds {
		for pos := 0; pos <= len(soft); pos++ {
			issues := make([]Issue, 0, len(soft)+1)
			issues = append(issues, soft[:pos]...)
			issues = append(issues, NewIssue("grounding", kind, "x"))
			issues = append(issues, soft[pos:]...)

			assert.Equal(t, StatusHardFail, DeriveStatus(issues, "25%", 10, 1),
				"kind %s at position %d", kind, pos)
		}
	}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		status Status
		want   ConfidenceTier
	}{
		{StatusPass, ConfidenceTier{Label: "High", Score: 0.95}},
		{StatusPartialPass, ConfidenceTier{Label: "Medium", Score: 0.8}},
		{StatusSoftFail, ConfidenceTier{Label: "Low", Score: 0.6}},
		{StatusHardFail, ConfidenceTier{Label: "Low", Score: 0.2}},
		{Status("SOMETHING_ELSE"), ConfidenceTier{Label: "Unknown", Score: 0.5}},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.status))
		})
	}
}

func TestRetryState(t *testing.T) {
	rs := NewRetryState(2)
	attempts := 0
	for !rs.Exhausted() {
		attempts++
		rs = rs.Next()
	}
	assert.Equal(t, 3, attempts)

	assert.False(t, NewRetryState(0).Exhausted())
	assert.True(t, NewRetryState(0).Next().Exhausted())
}

func TestIssue(t *testing.T) {
	is := NewIssue("fast_correction", IssueTypeMismatch, "expected absolute")
	assert.Equal(t, "type_mismatch: expected absolute", is.String())
	assert.Equal(t, "empty_answer", Issue{Kind: IssueEmptyAnswer}.String())

	issues := []Issue{is, {Kind: IssueSignMismatch, Resolved: true}}
	assert.True(t, HasIssueKind(issues, IssueRangeViolation, IssueSignMismatch))
	assert.False(t, HasIssueKind(issues, IssueGroundingGap))
	assert.False(t, AllResolved(issues))
	assert.Equal(t, []string{"type_mismatch: expected absolute", "sign_mismatch"}, IssueMessages(issues))
}

package domain

import "slices"

// IssueKind categorizes a defect found in a candidate answer. Issue kinds
// are the pipeline's error taxonomy; they are recorded, never thrown.
type IssueKind string

// Issue kinds emitted by the verification stages.
const (
	IssueTypeMismatch          IssueKind = "type_mismatch"
	IssueScaleMismatch         IssueKind = "scale_mismatch"
	IssueSignMismatch          IssueKind = "sign_mismatch"
	IssueUnitAmbiguous         IssueKind = "unit_ambiguous"
	IssueRangeViolation        IssueKind = "range_violation"
	IssueRecomputeMismatch     IssueKind = "recompute_mismatch"
	IssueMissingOperands       IssueKind = "missing_operands"
	IssueOperandOrderMismatch  IssueKind = "operand_order_mismatch"
	IssueFormulaConfusion      IssueKind = "formula_confusion"
	IssueGroundingGap          IssueKind = "grounding_gap"
	IssueMissingCitations      IssueKind = "missing_citations"
	IssueScenarioMismatch      IssueKind = "scenario_mismatch"
	IssueTraceabilityGap       IssueKind = "traceability_gap"
	IssueNumericInconsistency  IssueKind = "numeric_inconsistency"
	IssueReextractionRejected  IssueKind = "reextraction_rejected"
	IssueConsistencyDisagree   IssueKind = "consistency_disagreement"
	IssueConsistencyCorrection IssueKind = "consistency_correction"
	IssueStageInconclusive     IssueKind = "stage_inconclusive"
	IssueEmptyAnswer           IssueKind = "empty_answer"
	IssueRetryFallback         IssueKind = "retry_fallback"
)

// FallbackIssueDetail is the detail attached when retries are exhausted and
// the last answer is accepted anyway.
const FallbackIssueDetail = "Best-effort fallback accepted after retry exhaustion"

var hardFailKinds = []IssueKind{IssueEmptyAnswer, IssueGroundingGap, IssueMissingCitations}

// HardFail reports whether an issue of this kind forces a HARD_FAIL status
// regardless of any other signal.
func (k IssueKind) HardFail() bool { return slices.Contains(hardFailKinds, k) }

// Issue is a single finding recorded by a stage.
type Issue struct {
	Kind   IssueKind `json:"kind"`
	Stage  string    `json:"stage"`
	Detail string    `json:"detail"`
	// Resolved is set when the emitting stage also applied a correction.
	Resolved bool `json:"resolved,omitempty"`
}

// NewIssue creates an unresolved issue.
func NewIssue(stage string, kind IssueKind, detail string) Issue {
	return Issue{Kind: kind, Stage: stage, Detail: detail}
}

// String renders the issue as "<kind>: <detail>".
func (i Issue) String() string {
	if i.Detail == "" {
		return string(i.Kind)
	}
	return string(i.Kind) + ": " + i.Detail
}

// HasIssueKind reports whether any issue has one of the given kinds.
func HasIssueKind(issues []Issue, kinds ...IssueKind) bool {
	for _, is := range issues {
		if slices.Contains(kinds, is.Kind) {
			return true
		}
	}
	return false
}

// IssueMessages renders issues as their string forms, preserving order.
func IssueMessages(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.String()
	}
	return out
}

// AllResolved reports whether every issue was resolved by a correction.
func AllResolved(issues []Issue) bool {
	for _, is := range issues {
		if !is.Resolved {
			return false
		}
	}
	return true
}

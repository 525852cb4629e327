package domain

import "time"

// Confidence is a stage's coarse trust level in its own result.
type Confidence string

// Stage confidence levels.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// LayerResult is the uniform result shape of every verification stage.
type LayerResult struct {
	Passed bool    `json:"passed"`
	Issues []Issue `json:"issues,omitempty"`
	// CorrectedAnswer is empty when the stage proposed no correction.
	CorrectedAnswer   string     `json:"corrected_answer,omitempty"`
	CorrectionApplied bool       `json:"correction_applied"`
	CorrectionType    string     `json:"correction_type,omitempty"`
	Confidence        Confidence `json:"confidence"`
	// FastPathEligible is only ever set by the fast correction stage.
	FastPathEligible bool `json:"fast_path_eligible,omitempty"`
}

// StageResult records one stage's LayerResult within an attempt.
type StageResult struct {
	Stage    string        `json:"stage"`
	Result   LayerResult   `json:"result"`
	Duration time.Duration `json:"duration"`
}

// Status is the verdict derived for an attempt.
type Status string

// Verification statuses, from best to worst.
const (
	StatusPass        Status = "PASS"
	StatusPartialPass Status = "PARTIAL_PASS"
	StatusSoftFail    Status = "SOFT_FAIL"
	StatusHardFail    Status = "HARD_FAIL"
)

// VerificationOutcome is the aggregated verdict for an answer.
type VerificationOutcome struct {
	Verified bool    `json:"verified"`
	Issues   []Issue `json:"issues"`
	Status   Status  `json:"status"`
}

// DeriveStatus applies the gate's status rules to an aggregated issue list.
// Any hard-fail issue forces HARD_FAIL; otherwise no issues is PASS, and a
// non-empty answer with enough citations is PARTIAL_PASS.
func DeriveStatus(issues []Issue, answer string, citations, requiredCitations int) Status {
	for _, is := range issues {
		if is.Kind.HardFail() {
			return StatusHardFail
		}
	}
	if len(issues) == 0 {
		return StatusPass
	}
	if answer != "" && citations >= requiredCitations {
		return StatusPartialPass
	}
	return StatusHardFail
}

// Verified reports whether a status counts as a verified answer.
func (s Status) Verified() bool {
	return s == StatusPass || s == StatusPartialPass || s == StatusSoftFail
}

// ConfidenceTier is the coarse trust summary attached to a final result.
type ConfidenceTier struct {
	Label string  `json:"tier"`
	Score float64 `json:"score"`
}

// TierFor maps a status to its confidence tier. Tiers depend on status only.
func TierFor(s Status) ConfidenceTier {
	switch s {
	case StatusPass:
		return ConfidenceTier{Label: "High", Score: 0.95}
	case StatusPartialPass:
		return ConfidenceTier{Label: "Medium", Score: 0.8}
	case StatusSoftFail:
		return ConfidenceTier{Label: "Low", Score: 0.6}
	case StatusHardFail:
		return ConfidenceTier{Label: "Low", Score: 0.2}
	default:
		return ConfidenceTier{Label: "Unknown", Score: 0.5}
	}
}

// RetryState tracks the orchestrator's attempt counter. MaxRetries of zero
// means exactly one attempt.
type RetryState struct {
	Attempt    int `json:"attempt"`
	MaxRetries int `json:"max_retries"`
}

// NewRetryState starts at attempt 1.
func NewRetryState(maxRetries int) RetryState {
	return RetryState{Attempt: 1, MaxRetries: maxRetries}
}

// Exhausted reports whether the attempt counter has passed the last allowed
// attempt.
func (r RetryState) Exhausted() bool { return r.Attempt > r.MaxRetries+1 }

// Next returns the state for the following attempt.
func (r RetryState) Next() RetryState {
	r.Attempt++
	return r
}

// ReasonerOutput is what the upstream reasoner returns per attempt.
type ReasonerOutput struct {
	Answer    string            `json:"answer" yaml:"answer"`
	Reasoning string            `json:"reasoning" yaml:"reasoning"`
	Citations []string          `json:"citations,omitempty" yaml:"citations,omitempty"`
	Operands  []Operand         `json:"operands,omitempty" yaml:"operands,omitempty"`
	RawOutput map[string]string `json:"raw_output,omitempty" yaml:"raw_output,omitempty"`
}

// GatePath is the branch the verification gate took for an attempt.
type GatePath string

// Gate states. DONE is terminal and never recorded as a path.
const (
	PathFastPath  GatePath = "FAST_PATH"
	PathFullCheck GatePath = "FULL_CHECK"
	PathDone      GatePath = "DONE"
)

// AttemptRecord is the diagnostic record of one reasoning attempt. Records
// are append-only; nothing mutates a record after its attempt completes.
type AttemptRecord struct {
	ID             string              `json:"id"`
	Attempt        int                 `json:"attempt"`
	Path           GatePath            `json:"path"`
	Question       Question            `json:"question"`
	OriginalAnswer string              `json:"original_answer"`
	FinalAnswer    string              `json:"final_answer"`
	Stages         []StageResult       `json:"stages"`
	Outcome        VerificationOutcome `json:"outcome"`
	StartedAt      time.Time           `json:"started_at"`
	Duration       time.Duration       `json:"duration"`
}

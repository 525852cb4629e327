package domain

// ReextractionStrategy names a targeted re-extraction prompt family.
type ReextractionStrategy string

// Re-extraction strategies.
const (
	StrategyAbsoluteChange ReextractionStrategy = "absolute_change"
	StrategyTableSum       ReextractionStrategy = "table_sum"
	StrategyFormulaGuided  ReextractionStrategy = "formula_guided"
	StrategyFocused        ReextractionStrategy = "focused"
)

// ReextractionSuggestion is the parsed oracle response for a targeted
// re-extraction together with the strategy's confidence in it.
type ReextractionSuggestion struct {
	Strategy    ReextractionStrategy `json:"strategy"`
	Values      []Operand            `json:"values"`
	Calculation string               `json:"calculation"`
	Answer      string               `json:"answer"`
	Confidence  float64              `json:"confidence"`
	// Reason explains how the confidence was assigned.
	Reason string `json:"reason,omitempty"`
}

// ErrorCategory is the kind of mistake a consistency pass attributes to the
// candidate answer.
type ErrorCategory string

// Error categories a consistency pass may report.
const (
	ErrorCategoryNone             ErrorCategory = "none"
	ErrorCategoryWrongDenominator ErrorCategory = "wrong_denominator"
	ErrorCategoryWrongFormulaType ErrorCategory = "wrong_formula_type"
	ErrorCategoryWrongValues      ErrorCategory = "wrong_values"
	ErrorCategorySignError        ErrorCategory = "sign_error"
	ErrorCategoryMagnitudeError   ErrorCategory = "magnitude_error"
	ErrorCategoryRoundingError    ErrorCategory = "rounding_error"
	ErrorCategoryFormatError      ErrorCategory = "format_error"
)

// Vote is one consistency pass's judgement.
type Vote struct {
	Pass            int           `json:"pass"`
	IsCorrect       bool          `json:"is_correct"`
	RecomputedValue string        `json:"recomputed_value,omitempty"`
	CorrectedAnswer string        `json:"corrected_answer,omitempty"`
	ErrorCategory   ErrorCategory `json:"error_category"`
	// Reasoning is only kept when the attempt runs with debug tracing.
	Reasoning string `json:"reasoning,omitempty"`
}

// VoteResult is the aggregated result of all consistency passes.
type VoteResult struct {
	IsCorrect bool `json:"is_correct"`
	// Corrected is empty when no correction was agreed on.
	Corrected string `json:"corrected,omitempty"`
	// ScaleOverride is set when the correction came from the scale-slip rule.
	ScaleOverride bool   `json:"scale_override,omitempty"`
	Passes        int    `json:"passes"`
	Votes         []Vote `json:"votes"`
}

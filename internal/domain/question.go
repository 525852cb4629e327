// Package domain contains pure, dependency-free domain models and types
// for the financial answer verification pipeline.
package domain

import (
	"fmt"
	"slices"
)

// ExpectedType is the answer shape a question asks for.
type ExpectedType string

// Supported expected answer shapes.
const (
	ExpectedPercentage ExpectedType = "percentage"
	ExpectedAbsolute   ExpectedType = "absolute"
	ExpectedProportion ExpectedType = "proportion"
	ExpectedRatio      ExpectedType = "ratio"
	ExpectedCurrency   ExpectedType = "currency"
	ExpectedUnknown    ExpectedType = "unknown"
)

// IsNumeric reports whether answers of this shape must carry a number.
func (e ExpectedType) IsNumeric() bool { return e != ExpectedUnknown && e != "" }

// ExpectedSign is a hint about the sign the answer should carry.
type ExpectedSign string

// Sign hints derived from question phrasing. SignNone means no hint.
const (
	SignNone              ExpectedSign = ""
	SignPositive          ExpectedSign = "positive"
	SignNegative          ExpectedSign = "negative"
	SignAbsolute          ExpectedSign = "absolute"
	SignDecreaseMagnitude ExpectedSign = "decrease_magnitude"
)

// WantsMagnitude reports whether the question asks for an unsigned amount.
func (s ExpectedSign) WantsMagnitude() bool {
	return s == SignAbsolute || s == SignDecreaseMagnitude
}

// AggregationIntent describes how many values a question folds together.
type AggregationIntent string

// Aggregation intents.
const (
	AggregationSingle          AggregationIntent = "single"
	AggregationTotal           AggregationIntent = "total"
	AggregationAverage         AggregationIntent = "average"
	AggregationTemporalAverage AggregationIntent = "temporal_average"
)

// FormulaType is the canonical calculation shape a question asks for.
// The set is closed; every numeric variant has exactly one recomputation
// registered in the formula package.
type FormulaType int

// Formula variants. FormulaNull is the zero value and means "not detected".
const (
	FormulaNull FormulaType = iota
	FormulaPercentageChange
	FormulaAbsoluteChange
	FormulaPercentageOfTotal
	FormulaProportion
	FormulaAverage
	FormulaTemporalAverage
	FormulaDifferenceOfAverages
	FormulaChangeOfAverages
	FormulaTotal
	FormulaRatio
	FormulaDifference
	FormulaDirectLookup
	FormulaTextSpan
	FormulaMultiSpan

	formulaSentinel
)

var formulaNames = [...]string{
	FormulaNull:                 "null",
	FormulaPercentageChange:     "percentage_change",
	FormulaAbsoluteChange:       "absolute_change",
	FormulaPercentageOfTotal:    "percentage_of_total",
	FormulaProportion:           "proportion",
	FormulaAverage:              "average",
	FormulaTemporalAverage:      "temporal_average",
	FormulaDifferenceOfAverages: "difference_of_averages",
	FormulaChangeOfAverages:     "change_of_averages",
	FormulaTotal:                "total",
	FormulaRatio:                "ratio",
	FormulaDifference:           "difference",
	FormulaDirectLookup:         "direct_lookup",
	FormulaTextSpan:             "text_span",
	FormulaMultiSpan:            "multi_span",
}

// String returns the snake_case tag for the formula.
func (f FormulaType) String() string {
	if f < 0 || f >= formulaSentinel {
		return fmt.Sprintf("formula(%d)", int(f))
	}
	return formulaNames[f]
}

// ParseFormulaType maps a snake_case tag back to its variant.
func ParseFormulaType(s string) (FormulaType, bool) {
	for i, name := range formulaNames {
		if name == s {
			return FormulaType(i), true
		}
	}
	return FormulaNull, false
}

// MarshalText implements encoding.TextMarshaler.
func (f FormulaType) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FormulaType) UnmarshalText(b []byte) error {
	parsed, ok := ParseFormulaType(string(b))
	if !ok {
		return fmt.Errorf("unknown formula type %q", string(b))
	}
	*f = parsed
	return nil
}

// AllFormulaTypes lists every variant in declaration order.
func AllFormulaTypes() []FormulaType {
	out := make([]FormulaType, 0, int(formulaSentinel))
	for f := FormulaNull; f < formulaSentinel; f++ {
		out = append(out, f)
	}
	return out
}

// IsNumeric reports whether the formula yields a recomputable number.
func (f FormulaType) IsNumeric() bool {
	switch f {
	case FormulaNull, FormulaDirectLookup, FormulaTextSpan, FormulaMultiSpan:
		return false
	default:
		return f > FormulaNull && f < formulaSentinel
	}
}

// IsPercent reports whether the formula's canonical output is a percentage.
func (f FormulaType) IsPercent() bool {
	return f == FormulaPercentageChange || f == FormulaPercentageOfTotal
}

// IsFraction reports whether the formula divides one operand by another
// without scaling to percent.
func (f FormulaType) IsFraction() bool {
	return f == FormulaRatio || f == FormulaProportion
}

// IsChange reports whether the formula measures movement between periods.
func (f FormulaType) IsChange() bool {
	switch f {
	case FormulaPercentageChange, FormulaAbsoluteChange, FormulaDifference,
		FormulaChangeOfAverages, FormulaDifferenceOfAverages:
		return true
	}
	return false
}

// IsAverage reports whether the formula averages operands.
func (f FormulaType) IsAverage() bool {
	switch f {
	case FormulaAverage, FormulaTemporalAverage, FormulaChangeOfAverages, FormulaDifferenceOfAverages:
		return true
	}
	return false
}

// ErrorProne reports whether reasoners commonly get this formula wrong.
// Low-confidence recomputations of these formulas trigger re-extraction.
func (f FormulaType) ErrorProne() bool {
	switch f {
	case FormulaAverage, FormulaTotal, FormulaPercentageChange, FormulaAbsoluteChange,
		FormulaChangeOfAverages, FormulaDifferenceOfAverages:
		return true
	}
	return false
}

// Question is a profiled financial question. It is derived once per attempt
// and never mutated afterwards.
type Question struct {
	Text         string            `json:"text"`
	ExpectedType ExpectedType      `json:"expected_type"`
	FormulaType  FormulaType       `json:"formula_type"`
	ExpectedSign ExpectedSign      `json:"expected_sign,omitempty"`
	Aggregation  AggregationIntent `json:"aggregation_intent"`
	// OperandHints are noun phrases naming denominators or operands.
	OperandHints []string `json:"operand_hints,omitempty"`
	// Years are the distinct four-digit years referenced, in order of appearance.
	Years []int `json:"years,omitempty"`
	// FormulaCandidates lists every formula whose phrasing matched.
	FormulaCandidates []FormulaType `json:"formula_candidates,omitempty"`
}

// HasYear reports whether the question references year y.
func (q Question) HasYear(y int) bool { return slices.Contains(q.Years, y) }

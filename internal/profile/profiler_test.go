package profile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-fincheck/internal/domain"
)

func TestProfile(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		formula     domain.FormulaType
		expected    domain.ExpectedType
		aggregation domain.AggregationIntent
		years       []int
	}{
		{
			name:        "ratio",
			text:        "What is the liability to asset ratio?",
			formula:     domain.FormulaRatio,
			expected:    domain.ExpectedRatio,
			aggregation: domain.AggregationSingle,
		},
		{
			name:        "temporal average before generic average",
			text:        "What is the 2019 average free cash flow?",
			formula:     domain.FormulaTemporalAverage,
			expected:    domain.ExpectedAbsolute,
			aggregation: domain.AggregationTemporalAverage,
			years:       []int{2019},
		},
		{
			name:        "trailing year average",
			text:        "What was the average inventory in 2019?",
			formula:     domain.FormulaTemporalAverage,
			expected:    domain.ExpectedAbsolute,
			aggregation: domain.AggregationTemporalAverage,
			years:       []int{2019},
		},
		{
			name:        "average over a range is generic",
			text:        "What is the average revenue from 2017 to 2019?",
			formula:     domain.FormulaAverage,
			expected:    domain.ExpectedAbsolute,
			aggregation: domain.AggregationAverage,
			years:       []int{2017, 2019},
		},
		{
			name:        "absolute change without percent wording",
			text:        "What is the change in revenue from 2018 to 2019?",
			formula:     domain.FormulaAbsoluteChange,
			expected:    domain.ExpectedAbsolute,
			aggregation: domain.AggregationSingle,
			years:       []int{2018, 2019},
		},
		{
			name:        "percent wording promotes percentage change",
			text:        "What is the percentage change in revenue from 2018 to 2019?",
			formula:     domain.FormulaPercentageChange,
			expected:    domain.ExpectedPercentage,
			aggregation: domain.AggregationSingle,
			years:       []int{2018, 2019},
		},
		{
			name:        "proportion before percentage",
			text:        "What is cash as a proportion of total assets in percent?",
			formula:     domain.FormulaProportion,
			expected:    domain.ExpectedProportion,
			aggregation: domain.AggregationSingle,
		},
		{
			name:        "percentage of total",
			text:        "What percentage of total revenue came from services?",
			formula:     domain.FormulaPercentageOfTotal,
			expected:    domain.ExpectedPercentage,
			aggregation: domain.AggregationSingle,
		},
		{
			name:        "change of averages",
			text:        "What is the change in the average price between the periods?",
			formula:     domain.FormulaChangeOfAverages,
			expected:    domain.ExpectedAbsolute,
			aggregation: domain.AggregationAverage,
		},
		{
			name:        "total in dollars",
			text:        "What is the total of segment revenue in millions of dollars?",
			formula:     domain.FormulaTotal,
			expected:    domain.ExpectedCurrency,
			aggregation: domain.AggregationTotal,
		},
		{
			name:        "text span",
			text:        "Who is the auditor of the company?",
			formula:     domain.FormulaTextSpan,
			expected:    domain.ExpectedUnknown,
			aggregation: domain.AggregationSingle,
		},
		{
			name:        "unmatched",
			text:        "Explain the revenue recognition policy",
			formula:     domain.FormulaNull,
			expected:    domain.ExpectedUnknown,
			aggregation: domain.AggregationSingle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Profile(tt.text)

			assert.Equal(t, tt.text, q.Text)
			assert.Equal(t, tt.formula, q.FormulaType, "formula")
			assert.Equal(t, tt.expected, q.ExpectedType, "expected type")
			assert.Equal(t, tt.aggregation, q.Aggregation, "aggregation")
			assert.Equal(t, tt.years, q.Years, "years")
		})
	}
}

func TestProfile_Candidates(t *testing.T) {
	q := Profile("What is the percentage change in revenue from 2018 to 2019?")
	require.NotEmpty(t, q.FormulaCandidates)
	assert.Equal(t, domain.FormulaPercentageChange, q.FormulaCandidates[0])
	assert.Contains(t, q.FormulaCandidates, domain.FormulaAbsoluteChange)

	for _, c := range Profile("Who is the CEO?").FormulaCandidates {
		assert.True(t, c.IsNumeric())
	}
}

func TestProfile_Sign(t *testing.T) {
	tests := []struct {
		text string
		want domain.ExpectedSign
	}{
		{"By how much did operating expenses decrease in 2019?", domain.SignDecreaseMagnitude},
		{"What is the absolute change in debt?", domain.SignAbsolute},
		{"What was the increase in sales?", domain.SignPositive},
		{"What was the decline in margin?", domain.SignNegative},
		{"What is the change in revenue?", domain.SignNone},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Profile(tt.text).ExpectedSign)
		})
	}
}

func TestProfile_OperandHints(t *testing.T) {
	q := Profile("What is cash as a proportion of total assets?")
	assert.Equal(t, []string{"assets"}, q.OperandHints)

	q = Profile("What is the ratio of net income to revenue in 2019?")
	assert.Equal(t, []string{"net income", "revenue"}, q.OperandHints)
}

// TestProfile_Idempotent checks that re-profiling yields an identical
// question, which retries rely on.
func TestProfile_Idempotent(t *testing.T) {
	texts := []string{
		"What is the 2019 average free cash flow?",
		"WHAT IS THE LIABILITY TO ASSET RATIO?",
		"What percentage of total revenue came from services in 2018 and 2019?",
	}
	for _, text := range texts {
		first := Profile(text)
		second := Profile(text)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("Profile(%q) not idempotent (-first +second):\n%s", text, diff)
		}
	}
}

func TestProfile_CaseInsensitive(t *testing.T) {
	assert.Equal(t, domain.FormulaRatio, Profile("WHAT IS THE LIABILITY TO ASSET RATIO?").FormulaType)
}

func TestRefine(t *testing.T) {
	coarse := domain.Question{
		Text:        "What is the 2019 average free cash flow?",
		FormulaType: domain.FormulaAverage,
		Aggregation: domain.AggregationAverage,
	}
	refined := Refine(coarse)
	assert.Equal(t, domain.FormulaTemporalAverage, refined.FormulaType)
	assert.Equal(t, domain.AggregationTemporalAverage, refined.Aggregation)

	specific := domain.Question{Text: "What is the average?", FormulaType: domain.FormulaPercentageChange}
	assert.Equal(t, domain.FormulaPercentageChange, Refine(specific).FormulaType)
}

func TestWordingHelpers(t *testing.T) {
	assert.True(t, HasGrowthWording("Revenue GROWTH was strong"))
	assert.False(t, HasGrowthWording("Revenue fell"))
	assert.True(t, HasPercentWording("in Percent"))
	assert.False(t, HasPercentWording("in dollars"))
}

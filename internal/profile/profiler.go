// Package profile derives the expected answer shape of a financial question
// from its wording. Profiling is pure and deterministic: the same text
// always yields the same domain.Question.
package profile

import (
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/ahrav/go-fincheck/internal/domain"
)

// fold case-folds text for matching. A Caser is stateful, so each call gets
// its own.
func fold(text string) string {
	return strings.TrimSpace(cases.Fold().String(text))
}

// Profile derives the expected type, formula, sign hint, aggregation intent,
// operand hints and referenced years of a question.
//
//	q := profile.Profile("What is the 2019 average free cash flow?")
//	// q.FormulaType == domain.FormulaTemporalAverage
func Profile(text string) domain.Question {
	folded := fold(text)
	formula, candidates := detect(folded)

	return domain.Question{
		Text:              text,
		ExpectedType:      expectedType(folded, formula),
		FormulaType:       formula,
		ExpectedSign:      expectedSign(folded),
		Aggregation:       aggregation(formula),
		OperandHints:      operandHints(folded),
		Years:             years(folded),
		FormulaCandidates: candidates,
	}
}

// DetectFormula returns the formula the question's phrasing selects, and
// every numeric formula whose phrasing matched.
func DetectFormula(text string) (domain.FormulaType, []domain.FormulaType) {
	return detect(fold(text))
}

// Refine returns q with its formula replaced when the question text selects
// a more specific formula than the one q carries. It lets recomputation
// override a coarse guess made elsewhere.
func Refine(q domain.Question) domain.Question {
	detected, candidates := DetectFormula(q.Text)
	if specificity[detected] > specificity[q.FormulaType] {
		q.FormulaType = detected
		q.Aggregation = aggregation(detected)
	}
	for _, c := range candidates {
		if !slices.Contains(q.FormulaCandidates, c) {
			q.FormulaCandidates = append(q.FormulaCandidates, c)
		}
	}
	return q
}

func detect(folded string) (domain.FormulaType, []domain.FormulaType) {
	rules := rulesPlain
	if percentCue.MatchString(folded) {
		rules = rulesPercent
	}

	primary := domain.FormulaNull
	var candidates []domain.FormulaType
	for _, r := range rules {
		if !r.matches(folded) {
			continue
		}
		if primary == domain.FormulaNull {
			primary = r.formula
		}
		if r.formula.IsNumeric() {
			candidates = append(candidates, r.formula)
		}
	}
	return primary, candidates
}

func expectedType(folded string, formula domain.FormulaType) domain.ExpectedType {
	hasPercent := percentCue.MatchString(folded)
	hasCurrency := currencyCue.MatchString(folded)

	switch {
	case formula == domain.FormulaProportion:
		return domain.ExpectedProportion
	case formula.IsPercent():
		return domain.ExpectedPercentage
	case hasPercent:
		return domain.ExpectedPercentage
	case formula == domain.FormulaRatio:
		return domain.ExpectedRatio
	case formula.IsNumeric() && hasCurrency:
		return domain.ExpectedCurrency
	case formula.IsNumeric():
		return domain.ExpectedAbsolute
	case formula == domain.FormulaDirectLookup && hasCurrency:
		return domain.ExpectedCurrency
	case formula == domain.FormulaDirectLookup && countCue.MatchString(folded):
		return domain.ExpectedAbsolute
	default:
		return domain.ExpectedUnknown
	}
}

func expectedSign(folded string) domain.ExpectedSign {
	switch {
	case magnitudeCue.MatchString(folded):
		return domain.SignAbsolute
	case decreaseAmount.MatchString(folded):
		return domain.SignDecreaseMagnitude
	}

	up := increaseWords.MatchString(folded)
	down := decreaseWords.MatchString(folded)
	switch {
	case up && !down:
		return domain.SignPositive
	case down && !up:
		return domain.SignNegative
	default:
		return domain.SignNone
	}
}

func aggregation(formula domain.FormulaType) domain.AggregationIntent {
	switch formula {
	case domain.FormulaTemporalAverage:
		return domain.AggregationTemporalAverage
	case domain.FormulaAverage, domain.FormulaChangeOfAverages, domain.FormulaDifferenceOfAverages:
		return domain.AggregationAverage
	case domain.FormulaTotal:
		return domain.AggregationTotal
	default:
		return domain.AggregationSingle
	}
}

func operandHints(folded string) []string {
	var hints []string
	// Resume after each captured phrase, not after its terminator, so a
	// connective ending one phrase can open the next ("of A to B").
	for offset := 0; offset < len(folded); {
		loc := operandHint.FindStringSubmatchIndex(folded[offset:])
		if loc == nil {
			break
		}
		h := strings.TrimSpace(folded[offset+loc[2] : offset+loc[3]])
		offset += loc[3]
		if h == "" || stopHints[h] || yearPattern.MatchString(h) {
			continue
		}
		if !slices.Contains(hints, h) {
			hints = append(hints, h)
		}
	}
	return hints
}

func years(folded string) []int {
	var out []int
	for _, m := range yearPattern.FindAllString(folded, -1) {
		y, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		if !slices.Contains(out, y) {
			out = append(out, y)
		}
	}
	return out
}

// HasGrowthWording reports whether text talks about growth, which widens
// the plausible percentage range.
func HasGrowthWording(text string) bool { return growthCue.MatchString(fold(text)) }

// HasPercentWording reports whether text spells out "percent" or "%".
func HasPercentWording(text string) bool { return percentCue.MatchString(fold(text)) }

package profile

import (
	"regexp"

	"github.com/ahrav/go-fincheck/internal/domain"
)

// formulaRule maps one phrasing family to a formula variant. Rules are
// evaluated in registry order and the first match wins; every matching rule
// is still reported as a candidate.
type formulaRule struct {
	formula domain.FormulaType
	pattern *regexp.Regexp
	// unless suppresses the rule when it also matches.
	unless *regexp.Regexp
}

func (r formulaRule) matches(text string) bool {
	if !r.pattern.MatchString(text) {
		return false
	}
	return r.unless == nil || !r.unless.MatchString(text)
}

// Cue patterns shared across rules. All matching happens on case-folded text.
var (
	percentCue     = regexp.MustCompile(`%|\bpercent(age)?\b|\bpct\b`)
	currencyCue    = regexp.MustCompile(`\$|€|£|\bdollars?\b|\busd\b|\bin (thousands|millions|billions)\b`)
	countCue       = regexp.MustCompile(`\bhow many\b|\bnumber of\b`)
	growthCue      = regexp.MustCompile(`\bgrowth\b|\bgrew\b|\bcagr\b`)
	yearPattern    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	magnitudeCue   = regexp.MustCompile(`\babsolute (value|change|difference|amount)\b|\bmagnitude\b`)
	decreaseAmount = regexp.MustCompile(`\b(how much|by what amount|by how much)\b[^?]*\b(decrease|decline|fall|fell|drop|dropped|shrink|reduce|reduction)`)
	increaseWords  = regexp.MustCompile(`\b(increase|increased|growth|grew|rise|rose|gain|gained|improve|improved)\b`)
	decreaseWords  = regexp.MustCompile(`\b(decrease|decreased|decline|declined|drop|dropped|fall|fell|loss|reduction|reduced)\b`)
	operandHint    = regexp.MustCompile(
		`\b(?:of|to|over|divided by|relative to|compared (?:to|with)|as a (?:percent(?:age)?|proportion|fraction) of)\s+(?:the\s+|total\s+)?` +
			`([a-z][a-z&'\- ]{2,48}?)(?:\s+(?:in|for|from|to|during|between|at|of|and|over|as|was|is|were)\b|[?.,;]|$)`)
	stopHints = map[string]bool{
		"the": true, "total": true, "change": true, "year": true, "years": true, "period": true,
	}
)

// Formula phrasing families.
var (
	proportionRule = formulaRule{
		formula: domain.FormulaProportion,
		pattern: regexp.MustCompile(`\bas a (proportion|fraction) of\b|\bproportion of\b|\bwhat (proportion|fraction)\b|\bportion of\b`),
	}
	changeOfAveragesRule = formulaRule{
		formula: domain.FormulaChangeOfAverages,
		pattern: regexp.MustCompile(`\b(change|increase|decrease|growth) in (the )?average\b`),
	}
	differenceOfAveragesRule = formulaRule{
		formula: domain.FormulaDifferenceOfAverages,
		pattern: regexp.MustCompile(`\bdifference (between|in|of) (the )?averages?\b|\baverages? .* differ`),
	}
	temporalAverageRule = formulaRule{
		formula: domain.FormulaTemporalAverage,
		pattern: regexp.MustCompile(`\b(19|20)\d{2}\s+average\b|\baverage\b[^?]*\b(in|for|during) (fiscal (year )?)?(19|20)\d{2}\s*\??$`),
		unless:  regexp.MustCompile(`\b(19|20)\d{2}\b[^?]*\b(to|and|through|-)\s*(19|20)\d{2}\b`),
	}
	percentageOfTotalRule = formulaRule{
		formula: domain.FormulaPercentageOfTotal,
		pattern: regexp.MustCompile(`\b(percent(age)?|%) of (the )?total\b|\bas a (percent(age)?|%) of\b|\bwhat (percent(age)?|%) of\b|\bpercent(age)? (share|portion) of\b`),
	}
	absoluteChangeRule = formulaRule{
		formula: domain.FormulaAbsoluteChange,
		pattern: regexp.MustCompile(`\b(net )?change in\b|\b(change|increase|decrease)\b[^?]*\bfrom\b[^?]*\bto\b|\bhow much did\b[^?]*\b(change|increase|decrease|grow|decline)\b`),
	}
	percentageChangeRule = formulaRule{
		formula: domain.FormulaPercentageChange,
		pattern: regexp.MustCompile(`\b(percent(age)?|%) (change|increase|decrease|growth|decline)\b|\bgrowth rate\b|\brate of (change|growth)\b|\bby what (percent(age)?|%)\b|\b(change|increase|decrease|growth)[^?]*\bin (percent(age)?|%)\b`),
	}
	averageRule = formulaRule{
		formula: domain.FormulaAverage,
		pattern: regexp.MustCompile(`\baverage\b|\bmean\b`),
	}
	totalRule = formulaRule{
		formula: domain.FormulaTotal,
		pattern: regexp.MustCompile(`\btotal\b|\bsum\b|\bcombined\b|\baggregate\b`),
	}
	ratioRule = formulaRule{
		formula: domain.FormulaRatio,
		pattern: regexp.MustCompile(`\bratio\b|\bdivided by\b|\bmultiple of\b|\bcoverage\b|\bturnover\b`),
	}
	differenceRule = formulaRule{
		formula: domain.FormulaDifference,
		pattern: regexp.MustCompile(`\bdifference\b|\bhow much (more|less|higher|lower)\b|\bexceed(ed|s)? by\b`),
	}
	multiSpanRule = formulaRule{
		formula: domain.FormulaMultiSpan,
		pattern: regexp.MustCompile(`^\s*(which|what) (years|segments|items|companies|regions)\b|\blist (the|all)\b`),
	}
	textSpanRule = formulaRule{
		formula: domain.FormulaTextSpan,
		pattern: regexp.MustCompile(`^\s*(who|where|why|which)\b|\bwhat (is|was) the name\b|\bwhat (method|type|kind)\b`),
	}
	directLookupRule = formulaRule{
		formula: domain.FormulaDirectLookup,
		pattern: regexp.MustCompile(`^\s*(what|how much|how many) (is|was|were|are|did)\b`),
	}
)

// Two immutable orderings: absolute-change phrasing outranks
// percentage-change phrasing unless the question mentions percent.
var (
	rulesPlain = []formulaRule{
		proportionRule,
		changeOfAveragesRule,
		differenceOfAveragesRule,
		temporalAverageRule,
		percentageOfTotalRule,
		absoluteChangeRule,
		percentageChangeRule,
		averageRule,
		totalRule,
		ratioRule,
		differenceRule,
		multiSpanRule,
		textSpanRule,
		directLookupRule,
	}
	rulesPercent = []formulaRule{
		proportionRule,
		changeOfAveragesRule,
		differenceOfAveragesRule,
		temporalAverageRule,
		percentageOfTotalRule,
		percentageChangeRule,
		absoluteChangeRule,
		averageRule,
		totalRule,
		ratioRule,
		differenceRule,
		multiSpanRule,
		textSpanRule,
		directLookupRule,
	}
)

// specificity ranks formulas for Refine; a higher rank is more specific.
var specificity = map[domain.FormulaType]int{
	domain.FormulaNull:                 0,
	domain.FormulaDirectLookup:         1,
	domain.FormulaTextSpan:             1,
	domain.FormulaMultiSpan:            1,
	domain.FormulaDifference:           2,
	domain.FormulaTotal:                2,
	domain.FormulaAverage:              2,
	domain.FormulaRatio:                3,
	domain.FormulaAbsoluteChange:       3,
	domain.FormulaPercentageChange:     4,
	domain.FormulaPercentageOfTotal:    4,
	domain.FormulaProportion:           4,
	domain.FormulaTemporalAverage:      5,
	domain.FormulaChangeOfAverages:     5,
	domain.FormulaDifferenceOfAverages: 5,
}

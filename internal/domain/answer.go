package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// AnswerFormat is the surface format detected on a candidate answer.
type AnswerFormat string

// Detected answer formats.
const (
	FormatPercentage AnswerFormat = "percentage"
	FormatCurrency   AnswerFormat = "currency"
	FormatAbsolute   AnswerFormat = "absolute"
	FormatText       AnswerFormat = "text"
)

// Operand is a labeled value the reasoner claims to have read from evidence.
type Operand struct {
	Label string  `json:"label" yaml:"label"`
	Value float64 `json:"value" yaml:"value"`
}

// CandidateAnswer is a parsed answer string.
type CandidateAnswer struct {
	Raw string `json:"raw"`
	// Value is nil for text spans.
	Value  *float64     `json:"value,omitempty"`
	Format AnswerFormat `json:"format"`
	// Currency holds the leading symbol ("$", "€", "£") when present.
	Currency string `json:"currency,omitempty"`
	// Scale holds a trailing magnitude word such as "million".
	Scale string `json:"scale,omitempty"`
}

// IsNumeric reports whether a number was parsed.
func (c CandidateAnswer) IsNumeric() bool { return c.Value != nil }

// Number returns the parsed value or zero.
func (c CandidateAnswer) Number() float64 {
	if c.Value == nil {
		return 0
	}
	return *c.Value
}

var (
	answerNumber = regexp.MustCompile(
		`(\()?\s*([-+\x{2212}])?\s*(\$|€|£)?\s*([-+\x{2212}])?(\d[\d,]*(?:\.\d+)?|\.\d+)\s*(\))?`)
	answerScale   = regexp.MustCompile(`(?i)^\s*(thousand|million|billion|trillion|bn|mm|k|m|b)\b`)
	answerNoise   = regexp.MustCompile(`(?i)\b(percent|percentage|points?|usd|dollars?|thousand|million|billion|trillion|bn|mm|approximately|about|roughly|of|the|is|was|or)\b`)
	alphaWord     = regexp.MustCompile(`[A-Za-z]{2,}`)
	percentMarker = regexp.MustCompile(`(?i)%|\bpercent(age)?\b`)
)

// HasPercentMarker reports whether s carries "%" or the word percent.
func HasPercentMarker(s string) bool { return percentMarker.MatchString(s) }

// ParseAnswer parses the narrow answer grammar: a single optionally signed,
// scaled, currency- or percent-marked number, or otherwise a text span.
func ParseAnswer(raw string) CandidateAnswer {
	ans := CandidateAnswer{Raw: raw, Format: FormatText}
	s := strings.TrimSpace(raw)
	if s == "" {
		return ans
	}

	loc := answerNumber.FindStringSubmatchIndex(s)
	if loc == nil {
		return ans
	}

	group := func(i int) string {
		if loc[2*i] < 0 {
			return ""
		}
		return s[loc[2*i]:loc[2*i+1]]
	}

	rest := s[:loc[0]] + " " + s[loc[1]:]
	if len(alphaWord.FindAllString(answerNoise.ReplaceAllString(rest, " "), -1)) > 2 {
		return ans
	}

	v, err := strconv.ParseFloat(strings.ReplaceAll(group(5), ",", ""), 64)
	if err != nil {
		return ans
	}

	negative := (group(1) == "(" && group(6) == ")") ||
		isMinus(group(2)) || isMinus(group(4))
	if negative {
		v = -v
	}

	ans.Value = &v
	ans.Currency = group(3)

	if m := answerScale.FindStringSubmatch(s[loc[1]:]); m != nil {
		ans.Scale = strings.ToLower(m[1])
	}

	switch {
	case HasPercentMarker(s):
		ans.Format = FormatPercentage
	case ans.Currency != "" || strings.Contains(strings.ToLower(s), "dollar"):
		ans.Format = FormatCurrency
	default:
		ans.Format = FormatAbsolute
	}
	return ans
}

func isMinus(s string) bool { return s == "-" || s == "−" }

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// FormatValue renders v in the given format with at most four decimals and
// no trailing zeros.
func FormatValue(v float64, format AnswerFormat) string {
	s := strconv.FormatFloat(RoundTo(v, 4), 'f', -1, 64)
	if s == "-0" {
		s = "0"
	}
	switch format {
	case FormatPercentage:
		return s + "%"
	case FormatCurrency:
		if strings.HasPrefix(s, "-") {
			return "-$" + s[1:]
		}
		return "$" + s
	default:
		return s
	}
}

// FormatLike renders v using the format, currency symbol, and scale word of
// an existing answer so a correction reads like the value it replaces.
func FormatLike(v float64, like CandidateAnswer, format AnswerFormat) string {
	s := strconv.FormatFloat(RoundTo(v, 4), 'f', -1, 64)
	if s == "-0" {
		s = "0"
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	if format == FormatCurrency || (format != FormatPercentage && like.Currency != "") {
		sym := like.Currency
		if sym == "" {
			sym = "$"
		}
		s = sym + s
	}
	if neg {
		s = "-" + s
	}
	if like.Scale != "" && format != FormatPercentage {
		s += " " + like.Scale
	}
	if format == FormatPercentage {
		s += "%"
	}
	return s
}

package units

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"

	"github.com/ahrav/go-fincheck/internal/domain"
)

// normalizeText case-folds s, maps punctuation to spaces and collapses
// whitespace so that "Note 7." and "note 7" compare equal.
func normalizeText(s string) string {
	s = cases.Fold().String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '%' || r == '$' {
			return r
		}
		return ' '
	}, s)
	return strings.Trim(strings.Join(strings.Fields(s), " "), ". ")
}

// similarity returns 1 - levenshtein(a, b) / max rune length, on
// normalized text. Two empty strings are identical.
func similarity(a, b string) float64 {
	a, b = normalizeText(a), normalizeText(b)
	if a == b {
		return 1.0
	}

	// The distance is computed over runes, so normalize by rune count.
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// AnswersAgree reports whether two answers say the same thing. Numbers agree
// within relTol of b; against a zero b, within relTol absolute. Text agrees
// when nearly identical. A number never agrees with text.
func AnswersAgree(a, b string, relTol float64) bool {
	pa, pb := domain.ParseAnswer(a), domain.ParseAnswer(b)
	if pa.IsNumeric() != pb.IsNumeric() {
		return false
	}
	if !pa.IsNumeric() {
		return similarity(a, b) >= textAgreement
	}
	x, y := pa.Number(), pb.Number()
	if y == 0 {
		return math.Abs(x) <= relTol
	}
	return near(x, y, relTol)
}

package units

import (
	"strconv"
	"strings"
	"text/template"

	"github.com/ahrav/go-fincheck/internal/domain"
)

// GetTemplateFuncMap returns the functions available to stage prompt
// templates. Every function is pure and returns a safe default instead of
// panicking.
//
//	tmpl, err := template.New("prompt").Funcs(GetTemplateFuncMap()).Parse(text)
func GetTemplateFuncMap() template.FuncMap {
	return template.FuncMap{
		// {{add $i 1}}
		"add": func(a, b int) int { return a + b },

		// {{join .Hints ", "}}
		"join": func(elems []string, sep string) string { return strings.Join(elems, sep) },

		// {{truncate .Reasoning 2000}} keeps at most n bytes, ending in "..."
		// when cut.
		"truncate": func(s string, n int) string {
			if n <= 0 {
				return ""
			}
			if len(s) <= n {
				return s
			}
			if n > 3 {
				return s[:n-3] + "..."
			}
			return s[:n]
		},

		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,

		// {{number 0.25}} renders a float without trailing zeros.
		"number": func(v float64) string { return domain.FormatValue(v, domain.FormatAbsolute) },

		// {{operands .Operands}} renders one "label: value" line per operand.
		"operands": func(ops []domain.Operand) string {
			lines := make([]string, len(ops))
			for i, op := range ops {
				lines[i] = op.Label + ": " + strconv.FormatFloat(op.Value, 'f', -1, 64)
			}
			return strings.Join(lines, "\n")
		},

		// {{years .Years}} renders years as "2018, 2019".
		"years": func(ys []int) string {
			parts := make([]string, len(ys))
			for i, y := range ys {
				parts[i] = strconv.Itoa(y)
			}
			return strings.Join(parts, ", ")
		},

		// {{prevYear 2019}} is 2018.
		"prevYear": func(y int) int { return y - 1 },
	}
}

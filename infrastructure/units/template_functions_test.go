package units

import (
	"bytes"
	"testing"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-fincheck/internal/domain"
)

func TestGetTemplateFuncMap(t *testing.T) {
	funcMap := GetTemplateFuncMap()
	require.NotNil(t, funcMap)

	expected := []string{"add", "join", "truncate", "lower", "trim", "number", "operands", "years", "prevYear"}
	assert.Len(t, funcMap, len(expected))
	for _, name := range expected {
		assert.Contains(t, funcMap, name)
	}
}

func TestTruncate(t *testing.T) {
	truncate := GetTemplateFuncMap()["truncate"].(func(string, int) string)

	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{name: "within limit", s: "hello", n: 10, want: "hello"},
		{name: "exact limit", s: "hello", n: 5, want: "hello"},
		{name: "cut with ellipsis", s: "hello world", n: 8, want: "hello..."},
		{name: "too short for ellipsis", s: "hello", n: 3, want: "hel"},
		{name: "zero", s: "hello", n: 0, want: ""},
		{name: "negative", s: "hello", n: -1, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.s, tt.n))
		})
	}
}

func TestTemplateIntegration(t *testing.T) {
	tests := []struct {
		name     string
		template string
		data     any
		expected string
	}{
		{
			name:     "one based numbering",
			template: `{{range $i, $v := .}}{{if $i}}, {{end}}{{add $i 1}}. {{$v}}{{end}}`,
			data:     []string{"focused", "table_sum"},
			expected: "1. focused, 2. table_sum",
		},
		{
			name:     "number drops trailing zeros",
			template: `{{number .}}`,
			data:     12.50000,
			expected: "12.5",
		},
		{
			name:     "number rounds to four places",
			template: `{{number .}}`,
			data:     1.0 / 3.0,
			expected: "0.3333",
		},
		{
			name:     "operands one per line",
			template: `{{operands .}}`,
			data:     []domain.Operand{{Label: "liabilities", Value: 100}, {Label: "assets", Value: 400.5}},
			expected: "liabilities: 100\nassets: 400.5",
		},
		{
			name:     "years and previous year",
			template: `{{years .}} / {{prevYear 2019}}`,
			data:     []int{2018, 2019},
			expected: "2018, 2019 / 2018",
		},
		{
			name:     "string pipeline",
			template: `{{truncate (lower (trim .)) 8}}`,
			data:     "  NET REVENUE GROWTH  ",
			expected: "net r...",
		},
		{
			name:     "join hints",
			template: `{{join . "; "}}`,
			data:     []string{"total revenue", "net income"},
			expected: "total revenue; net income",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := template.New("test").Funcs(GetTemplateFuncMap()).Parse(tt.template)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, tmpl.Execute(&buf, tt.data))
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

func TestTemplateFunctions_EmptyInputs(t *testing.T) {
	funcMap := GetTemplateFuncMap()

	assert.Equal(t, "", funcMap["operands"].(func([]domain.Operand) string)(nil))
	assert.Equal(t, "", funcMap["years"].(func([]int) string)(nil))
	assert.Equal(t, "", funcMap["join"].(func([]string, string) string)(nil, ", "))
	assert.Equal(t, "0", funcMap["number"].(func(float64) string)(-0.00001))
}

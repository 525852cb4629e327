package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// TextBlock is a passage of evidence text.
type TextBlock struct {
	ID      string `json:"id" yaml:"id"`
	Content string `json:"content" yaml:"content"`
}

// Table is a tabular piece of evidence.
type Table struct {
	ID      string     `json:"id" yaml:"id"`
	Caption string     `json:"caption,omitempty" yaml:"caption,omitempty"`
	Header  []string   `json:"header,omitempty" yaml:"header,omitempty"`
	Rows    [][]string `json:"rows" yaml:"rows"`
}

// EvidenceBundle is the read-only evidence a question is answered against.
type EvidenceBundle struct {
	Texts    []TextBlock       `json:"texts,omitempty" yaml:"texts,omitempty"`
	Tables   []Table           `json:"tables,omitempty" yaml:"tables,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

var (
	evidenceNumber = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
	yearLike       = regexp.MustCompile(`^(19|20)\d{2}$`)
)

// IDs returns the identifiers of all text blocks and tables.
func (e EvidenceBundle) IDs() []string {
	ids := make([]string, 0, len(e.Texts)+len(e.Tables))
	for _, t := range e.Texts {
		ids = append(ids, t.ID)
	}
	for _, t := range e.Tables {
		ids = append(ids, t.ID)
	}
	return ids
}

// IsEmpty reports whether the bundle carries no text and no tables.
func (e EvidenceBundle) IsEmpty() bool { return len(e.Texts) == 0 && len(e.Tables) == 0 }

// Lines returns every text line and every table row rendered as
// pipe-separated cells.
func (e EvidenceBundle) Lines() []string {
	var lines []string
	for _, t := range e.Texts {
		for _, l := range strings.Split(t.Content, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
	}
	for _, t := range e.Tables {
		if t.Caption != "" {
			lines = append(lines, t.Caption)
		}
		if len(t.Header) > 0 {
			lines = append(lines, strings.Join(t.Header, " | "))
		}
		for _, row := range t.Rows {
			lines = append(lines, strings.Join(row, " | "))
		}
	}
	return lines
}

// Flatten renders the bundle as labeled plain text for prompts.
func (e EvidenceBundle) Flatten() string {
	var b strings.Builder
	for _, t := range e.Texts {
		b.WriteString("[" + t.ID + "]\n")
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n\n")
	}
	for _, t := range e.Tables {
		b.WriteString("[" + t.ID + "]")
		if t.Caption != "" {
			b.WriteString(" " + t.Caption)
		}
		b.WriteString("\n")
		if len(t.Header) > 0 {
			b.WriteString("| " + strings.Join(t.Header, " | ") + " |\n")
		}
		for _, row := range t.Rows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Numbers extracts every numeric literal in the bundle. Year-like integers
// are skipped when skipYears is set.
func (e EvidenceBundle) Numbers(skipYears bool) []float64 {
	var out []float64
	for _, line := range e.Lines() {
		for _, tok := range evidenceNumber.FindAllString(line, -1) {
			if skipYears && yearLike.MatchString(tok) {
				continue
			}
			v, err := strconv.ParseFloat(strings.ReplaceAll(tok, ",", ""), 64)
			if err != nil {
				continue
			}
			out = append(out, v)
		}
	}
	return out
}

// MaxMagnitude returns the largest absolute non-year number in the bundle,
// or zero when there is none.
func (e EvidenceBundle) MaxMagnitude() float64 {
	var m float64
	for _, v := range e.Numbers(true) {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// Package testutils provides mocks, fixtures and synthetic case generation
// for the project's tests and for exercising the fincheck CLI end to end.
// It is not part of the public API.
package testutils

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-fincheck/internal/domain"
)

// Case tags.
const (
	TagFormula = "formula"
	TagFault   = "fault"
)

// Case is one verification case in the fincheck case-file format, with the
// answer a correct pipeline should end on.
type Case struct {
	ID       string                  `yaml:"id"`
	Question string                  `yaml:"question"`
	Evidence domain.EvidenceBundle   `yaml:"evidence"`
	Outputs  []domain.ReasonerOutput `yaml:"outputs"`
	Expected string                  `yaml:"expected,omitempty"`
	Tags     map[string]string       `yaml:"tags,omitempty"`
}

// CaseStatistics summarizes a case set.
type CaseStatistics struct {
	Total     int
	ByFormula map[string]int
	ByFault   map[string]int
	// Retried counts cases recorded with more than one reasoner output.
	Retried int
}

// ValidateCases checks that every case can be verified and scored.
func ValidateCases(cases []Case) error {
	if len(cases) == 0 {
		return errors.New("case set is empty")
	}
	seen := make(map[string]bool, len(cases))
	var errs []error
	for i, c := range cases {
		switch {
		case c.ID == "":
			errs = append(errs, fmt.Errorf("case %d: id is required", i))
		case seen[c.ID]:
			errs = append(errs, fmt.Errorf("case %d: duplicate id %q", i, c.ID))
		}
		seen[c.ID] = true

		if strings.TrimSpace(c.Question) == "" {
			errs = append(errs, fmt.Errorf("case %s: question is required", c.ID))
		}
		if c.Evidence.IsEmpty() {
			errs = append(errs, fmt.Errorf("case %s: evidence is empty", c.ID))
		}
		if len(c.Outputs) == 0 {
			errs = append(errs, fmt.Errorf("case %s: no reasoner outputs", c.ID))
		}
		if c.Expected == "" {
			errs = append(errs, fmt.Errorf("case %s: expected answer is required", c.ID))
		}
	}
	return errors.Join(errs...)
}

// WriteCases encodes cases as a multi-document YAML stream.
func WriteCases(w io.Writer, cases []Case) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, c := range cases {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("encode case %s: %w", c.ID, err)
		}
	}
	return enc.Close()
}

// ReadCases decodes a multi-document YAML stream written by WriteCases.
func ReadCases(r io.Reader) ([]Case, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cases []Case
	for {
		var c Case
		err := dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			return cases, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode case %d: %w", len(cases)+1, err)
		}
		cases = append(cases, c)
	}
}

// SaveCases validates cases and writes them to path, creating parent
// directories as needed.
func SaveCases(cases []Case, path string) error {
	if err := ValidateCases(cases); err != nil {
		return fmt.Errorf("invalid case set: %w", err)
	}

	var buf bytes.Buffer
	if err := WriteCases(&buf, cases); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write case file: %w", err)
	}
	return nil
}

// LoadCases reads and validates a case file.
func LoadCases(path string) ([]Case, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open case file: %w", err)
	}
	defer f.Close()

	cases, err := ReadCases(f)
	if err != nil {
		return nil, err
	}
	if err := ValidateCases(cases); err != nil {
		return nil, fmt.Errorf("invalid case set: %w", err)
	}
	return cases, nil
}

// ComputeCaseStatistics counts cases by formula and fault tag.
func ComputeCaseStatistics(cases []Case) CaseStatistics {
	s := CaseStatistics{
		Total:     len(cases),
		ByFormula: make(map[string]int),
		ByFault:   make(map[string]int),
	}
	for _, c := range cases {
		if f := c.Tags[TagFormula]; f != "" {
			s.ByFormula[f]++
		}
		if f := c.Tags[TagFault]; f != "" {
			s.ByFault[f]++
		}
		if len(c.Outputs) > 1 {
			s.Retried++
		}
	}
	return s
}

package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-fincheck/internal/domain"
)

// verifyCase is one question to verify. Case files are YAML or JSON and may
// hold several cases as separate YAML documents.
type verifyCase struct {
	ID       string                `yaml:"id" json:"id"`
	Question string                `yaml:"question" json:"question"`
	Evidence domain.EvidenceBundle `yaml:"evidence" json:"evidence"`
	// Outputs are recorded reasoner outputs, one per attempt, for replay.
	Outputs []domain.ReasonerOutput `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	// Expected, when set, is the answer the run is scored against.
	Expected string            `yaml:"expected,omitempty" json:"expected,omitempty"`
	Tags     map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

func readCaseFile(path string) ([]verifyCase, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, eris.Wrap(err, "open case file")
	}
	defer f.Close()

	cases, err := decodeCases(f)
	if err != nil {
		return nil, eris.Wrapf(err, "case file %s", path)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for i := range cases {
		if cases[i].ID == "" {
			cases[i].ID = base
			if len(cases) > 1 {
				cases[i].ID = base + "#" + strconv.Itoa(i+1)
			}
		}
	}
	return cases, nil
}

func decodeCases(r io.Reader) ([]verifyCase, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cases []verifyCase
	for {
		var c verifyCase
		err := dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "decode case %d", len(cases)+1)
		}
		if strings.TrimSpace(c.Question) == "" {
			return nil, eris.Errorf("case %d: question is required", len(cases)+1)
		}
		cases = append(cases, c)
	}
	if len(cases) == 0 {
		return nil, eris.New("no cases")
	}
	return cases, nil
}

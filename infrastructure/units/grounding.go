package units

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.Unit = (*GroundingUnit)(nil)

// Grounding defaults.
const (
	DefaultSimilarityThreshold = 0.8
	DefaultRequiredCitations   = 1
)

// minQuoteWords is the shortest quote that may ground by appearing inside
// the evidence; shorter citations must match an ID or a whole line.
const minQuoteWords = 3

// GroundingConfig configures citation grounding.
type GroundingConfig struct {
	// SimilarityThreshold is the minimum normalized Levenshtein similarity
	// between a quoted citation and an evidence line.
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold" validate:"gt=0,lte=1"`
	// RequiredCitations is the fewest citations an answer must carry.
	RequiredCitations int `yaml:"required_citations" json:"required_citations" validate:"min=0"`
}

// DefaultGroundingConfig returns the default grounding settings.
func DefaultGroundingConfig() GroundingConfig {
	return GroundingConfig{
		SimilarityThreshold: DefaultSimilarityThreshold,
		RequiredCitations:   DefaultRequiredCitations,
	}
}

// GroundingUnit checks that every citation refers to the supplied evidence,
// either by block or table ID or by quoting its content.
type GroundingUnit struct {
	name   string
	config GroundingConfig
	tracer trace.Tracer
}

// NewGroundingUnit creates the grounding rule checker.
func NewGroundingUnit(name string, config GroundingConfig) (*GroundingUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("unit %s: configuration validation failed: %w", name, err)
	}
	return &GroundingUnit{name: name, config: config, tracer: otel.Tracer("grounding-unit")}, nil
}

// Name returns the unit's stage name.
func (u *GroundingUnit) Name() string { return u.name }

// Check returns one grounding_gap per unmatched citation, plus
// missing_citations when too few were given.
func (u *GroundingUnit) Check(citations []string, evidence domain.EvidenceBundle) []domain.Issue {
	var issues []domain.Issue

	ids := make(map[string]bool)
	for _, id := range evidence.IDs() {
		ids[normalizeText(id)] = true
	}
	lines := evidence.Lines()
	words := quoteWords(normalizeText(strings.Join(lines, " ")))

	given := 0
	for _, c := range citations {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		given++
		if u.grounded(c, ids, words, lines) {
			continue
		}
		issues = append(issues, domain.NewIssue(u.name, domain.IssueGroundingGap,
			fmt.Sprintf("citation %q does not match any evidence", c)))
	}

	if given < u.config.RequiredCitations {
		issues = append(issues, domain.NewIssue(u.name, domain.IssueMissingCitations,
			fmt.Sprintf("%d citations given, %d required", given, u.config.RequiredCitations)))
	}
	return issues
}

func (u *GroundingUnit) grounded(citation string, ids map[string]bool, words []string, lines []string) bool {
	norm := normalizeText(strings.Trim(citation, "[]() "))
	if norm == "" {
		return false
	}
	if ids[norm] {
		return true
	}
	if q := quoteWords(norm); len(q) >= minQuoteWords && containsRun(words, q) {
		return true
	}
	for _, l := range lines {
		if similarity(citation, l) >= u.config.SimilarityThreshold {
			return true
		}
	}
	return false
}

// quoteWords splits normalized text into words, dropping sentence-ending
// periods so quotes match across sentence boundaries.
func quoteWords(s string) []string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.TrimRight(w, ".")
	}
	return words
}

// containsRun reports whether q appears as consecutive whole words in words.
func containsRun(words, q []string) bool {
	for i := 0; i+len(q) <= len(words); i++ {
		if slices.Equal(words[i:i+len(q)], q) {
			return true
		}
	}
	return false
}

// Execute grounds the reasoner's citations.
func (u *GroundingUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	_, span := u.tracer.Start(ctx, "GroundingUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "grounding"),
			attribute.String("unit.id", u.name),
		),
	)
	defer span.End()

	start := time.Now()
	in, err := readAttempt(u.name, state)
	if err != nil {
		span.RecordError(err)
		return state, err
	}

	issues := u.Check(in.output.Citations, in.evidence)
	span.SetAttributes(
		attribute.Int("grounding.citations", len(in.output.Citations)),
		attribute.Int("grounding.issues", len(issues)),
	)
	return state.AppendStageResult(domain.StageResult{
		Stage:    u.name,
		Result:   ruleResult(issues),
		Duration: time.Since(start),
	}), nil
}

// Validate checks the unit's configuration.
func (u *GroundingUnit) Validate() error {
	if err := validate.Struct(u.config); err != nil {
		return fmt.Errorf("unit %s: configuration validation failed: %w", u.name, err)
	}
	return nil
}

// NewGroundingFromConfig builds the unit from a parameter map overlaid on
// the defaults.
func NewGroundingFromConfig(id string, params map[string]any, _ ports.LLMClient) (ports.Unit, error) {
	cfg := DefaultGroundingConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return NewGroundingUnit(id, cfg)
}

// ruleResult is the LayerResult of a rule checker: rule checkers never
// correct, so any issue fails the stage.
func ruleResult(issues []domain.Issue) domain.LayerResult {
	if len(issues) == 0 {
		return domain.LayerResult{Passed: true, Confidence: domain.ConfidenceHigh}
	}
	return domain.LayerResult{Issues: issues, Confidence: domain.ConfidenceLow}
}

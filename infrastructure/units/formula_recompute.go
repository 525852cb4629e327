package units

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/formula"
	"github.com/ahrav/go-fincheck/internal/ports"
	"github.com/ahrav/go-fincheck/internal/profile"
)

var _ ports.Unit = (*FormulaRecomputeUnit)(nil)

// Default relative tolerance bands for recomputation.
const (
	DefaultHighTolerance   = 0.01
	DefaultMediumTolerance = 0.05
)

// FormulaRecomputeConfig holds the tolerance bands. An answer within
// HighTolerance of the recomputed value passes with high confidence, within
// MediumTolerance with medium confidence.
type FormulaRecomputeConfig struct {
	HighTolerance   float64 `yaml:"high_tolerance" json:"high_tolerance" validate:"gt=0,ltefield=MediumTolerance"`
	MediumTolerance float64 `yaml:"medium_tolerance" json:"medium_tolerance" validate:"gt=0,lt=1"`
}

// DefaultFormulaRecomputeConfig returns the 1% / 5% bands.
func DefaultFormulaRecomputeConfig() FormulaRecomputeConfig {
	return FormulaRecomputeConfig{
		HighTolerance:   DefaultHighTolerance,
		MediumTolerance: DefaultMediumTolerance,
	}
}

// FormulaRecomputer recomputes the answer from the reasoner's operands and
// detects operand-order swaps. It is pure and safe for concurrent use.
type FormulaRecomputer struct {
	config FormulaRecomputeConfig
}

// NewFormulaRecomputer validates config and returns a recomputer.
func NewFormulaRecomputer(config FormulaRecomputeConfig) (*FormulaRecomputer, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &FormulaRecomputer{config: config}, nil
}

// Recompute checks candidate against the value recomputed from operands
// under the question's formula.
func (fr *FormulaRecomputer) Recompute(
	q domain.Question,
	reasoning string,
	candidate string,
	operands []domain.Operand,
) domain.LayerResult {
	q = profile.Refine(q)
	ft := q.FormulaType
	if _, ok := formula.Lookup(ft); !ok {
		return domain.LayerResult{Passed: true, Confidence: domain.ConfidenceLow}
	}

	ans := domain.ParseAnswer(candidate)
	if !ans.IsNumeric() {
		return failed(domain.IssueTypeMismatch,
			fmt.Sprintf("%s expects a numeric answer, got %q", ft, candidate))
	}

	values := formula.Values(operands)
	want, err := formula.Compute(ft, values)
	if err != nil {
		return failed(domain.IssueMissingOperands, missingDetail(ft, err))
	}

	diff := answerDiff(ft, ans, want)
	switch {
	case diff <= fr.config.HighTolerance:
		return domain.LayerResult{Passed: true, Confidence: domain.ConfidenceHigh}
	case diff <= fr.config.MediumTolerance:
		return domain.LayerResult{Passed: true, Confidence: domain.ConfidenceMedium}
	}

	if swapped, err := formula.ComputeSwapped(ft, values); err == nil &&
		answerDiff(ft, ans, swapped) <= fr.config.MediumTolerance {
		fixed := formatRecomputed(ft, want, ans)
		is := domain.NewIssue(StageFormulaRecompute, domain.IssueOperandOrderMismatch,
			fmt.Sprintf("answer %s matches %s with operands reversed; expected %s", candidate, ft, fixed))
		is.Resolved = true
		return domain.LayerResult{
			Passed:            true,
			Issues:            []domain.Issue{is},
			CorrectedAnswer:   fixed,
			CorrectionApplied: true,
			CorrectionType:    "operand_order",
			Confidence:        domain.ConfidenceMedium,
		}
	}

	if alt, altValue, ok := fr.confusedWith(q, ft, ans, values); ok {
		return failed(domain.IssueFormulaConfusion,
			fmt.Sprintf("answer %s matches %s (%s) rather than %s (%s)",
				candidate, alt, formatNumber(altValue), ft, formatNumber(want)))
	}

	return failed(domain.IssueRecomputeMismatch,
		fmt.Sprintf("recomputed %s = %s from %d operands, answer %s differs by %.1f%%",
			ft, formatNumber(want), len(values), candidate, diff*100))
}

// confusedWith looks for another formula whose value the answer matches,
// trying the question's other candidates first.
func (fr *FormulaRecomputer) confusedWith(
	q domain.Question,
	ft domain.FormulaType,
	ans domain.CandidateAnswer,
	values []float64,
) (domain.FormulaType, float64, bool) {
	order := append([]domain.FormulaType{}, q.FormulaCandidates...)
	order = append(order, formula.Supported()...)

	seen := map[domain.FormulaType]bool{ft: true}
	for _, alt := range order {
		if seen[alt] {
			continue
		}
		seen[alt] = true
		v, err := formula.Compute(alt, values)
		if err != nil {
			continue
		}
		if answerDiff(alt, ans, v) <= fr.config.HighTolerance {
			return alt, v, true
		}
	}
	return domain.FormulaNull, 0, false
}

func failed(kind domain.IssueKind, detail string) domain.LayerResult {
	return domain.LayerResult{
		Issues:     []domain.Issue{domain.NewIssue(StageFormulaRecompute, kind, detail)},
		Confidence: domain.ConfidenceLow,
	}
}

func missingDetail(ft domain.FormulaType, err error) string {
	if errors.Is(err, formula.ErrDivisionByZero) {
		return fmt.Sprintf("%s has a zero denominator operand", ft)
	}
	return err.Error()
}

// answerDiff compares an answer against a recomputed value, allowing the
// percent/fraction scale readings the formula admits, and returns the
// smallest relative difference. A fraction is only read as v/100 when the
// answer carries a percent marker, so a bare reciprocal never passes.
func answerDiff(ft domain.FormulaType, ans domain.CandidateAnswer, want float64) float64 {
	v := ans.Number()
	readings := []float64{v}
	switch {
	case ft.IsFraction() && ans.Format == domain.FormatPercentage:
		readings = append(readings, v/100)
	case ft.IsPercent() && ans.Format != domain.FormatPercentage:
		readings = append(readings, v*100)
	}

	best := math.Inf(1)
	for _, r := range readings {
		best = math.Min(best, formula.RelativeDiff(r, want))
	}
	return best
}

// formatRecomputed renders a recomputed value in the answer's format.
// Ratios below 1 are shown as percentages.
func formatRecomputed(ft domain.FormulaType, v float64, like domain.CandidateAnswer) string {
	switch {
	case ft.IsPercent():
		return domain.FormatValue(v, domain.FormatPercentage)
	case ft == domain.FormulaRatio && math.Abs(v) < 1:
		return domain.FormatValue(v*100, domain.FormatPercentage)
	case ft.IsFraction() && like.Format == domain.FormatPercentage:
		return domain.FormatValue(v*100, domain.FormatPercentage)
	case ft.IsFraction():
		return domain.FormatValue(v, domain.FormatAbsolute)
	default:
		return domain.FormatLike(v, like, like.Format)
	}
}

func formatNumber(v float64) string { return domain.FormatValue(v, domain.FormatAbsolute) }

// FormulaRecomputeUnit runs the FormulaRecomputer as Stage 1 and applies an
// operand-order correction to the current answer.
type FormulaRecomputeUnit struct {
	name       string
	recomputer *FormulaRecomputer
	tracer     trace.Tracer
}

// NewFormulaRecomputeUnit creates the Stage 1 unit.
func NewFormulaRecomputeUnit(name string, config FormulaRecomputeConfig) (*FormulaRecomputeUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	fr, err := NewFormulaRecomputer(config)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", name, err)
	}
	return &FormulaRecomputeUnit{
		name:       name,
		recomputer: fr,
		tracer:     otel.Tracer("formula-recompute-unit"),
	}, nil
}

// Name returns the unit's stage name.
func (u *FormulaRecomputeUnit) Name() string { return u.name }

// Execute recomputes the current answer from the reasoner's operands.
func (u *FormulaRecomputeUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	_, span := u.tracer.Start(ctx, "FormulaRecomputeUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "formula_recompute"),
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

	res := u.recomputer.Recompute(in.question, in.output.Reasoning, in.answer, in.output.Operands)
	res.Issues = stampStage(res.Issues, u.name)

	span.SetAttributes(
		attribute.String("stage.formula", in.question.FormulaType.String()),
		attribute.Int("stage.operands", len(in.output.Operands)),
		attribute.String("stage.confidence", string(res.Confidence)),
		attribute.Bool("stage.correction_applied", res.CorrectionApplied),
	)

	return state.AppendStageResult(domain.StageResult{
		Stage:    u.name,
		Result:   res,
		Duration: time.Since(start),
	}), nil
}

// Validate checks the unit's configuration.
func (u *FormulaRecomputeUnit) Validate() error {
	if u.recomputer == nil {
		return fmt.Errorf("unit %s: recomputer is not configured", u.name)
	}
	if err := validate.Struct(u.recomputer.config); err != nil {
		return fmt.Errorf("unit %s: configuration validation failed: %w", u.name, err)
	}
	return nil
}

// NewFormulaRecomputeFromConfig builds the unit from a parameter map
// overlaid on the defaults.
func NewFormulaRecomputeFromConfig(id string, params map[string]any, _ ports.LLMClient) (ports.Unit, error) {
	cfg := DefaultFormulaRecomputeConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return NewFormulaRecomputeUnit(id, cfg)
}

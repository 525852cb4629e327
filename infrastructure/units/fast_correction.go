package units

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
	"github.com/ahrav/go-fincheck/internal/profile"
)

var _ ports.Unit = (*FastCorrectionUnit)(nil)

// Default sanity bounds for the fast checks.
const (
	DefaultMinPercent     = -100.0
	DefaultMaxPercent     = 1000.0
	DefaultMagnitudeRatio = 100.0
	DefaultSignVoteMargin = 2
)

var (
	upCue   = regexp.MustCompile(`\b(increase[ds]?|increasing|rose|rise[sn]?|grew|grow(th|s)?|gain(ed|s)?|higher|improve[ds]?|up)\b`)
	downCue = regexp.MustCompile(`\b(decrease[ds]?|decreasing|decline[ds]?|fell|fall(s|en)?|drop(ped|s)?|lower|down|loss(es)?|reduc(ed|tion))\b`)
)

// FastCorrectionConfig holds the sanity bounds of the fast checks.
type FastCorrectionConfig struct {
	// MinPercent is the lowest plausible percentage.
	MinPercent float64 `yaml:"min_percent" json:"min_percent"`
	// MaxPercent is the highest plausible percentage unless the question
	// talks about growth.
	MaxPercent float64 `yaml:"max_percent" json:"max_percent" validate:"gtfield=MinPercent"`
	// MagnitudeRatio flags answers this many times larger than any number
	// in the evidence.
	MagnitudeRatio float64 `yaml:"magnitude_ratio" json:"magnitude_ratio" validate:"gt=1"`
	// SignVoteMargin is how many more directional cues one way than the
	// other it takes to flip a sign.
	SignVoteMargin int `yaml:"sign_vote_margin" json:"sign_vote_margin" validate:"min=1"`
}

// DefaultFastCorrectionConfig returns the default bounds.
func DefaultFastCorrectionConfig() FastCorrectionConfig {
	return FastCorrectionConfig{
		MinPercent:     DefaultMinPercent,
		MaxPercent:     DefaultMaxPercent,
		MagnitudeRatio: DefaultMagnitudeRatio,
		SignVoteMargin: DefaultSignVoteMargin,
	}
}

// FastCheckInput is what the fast checks look at.
type FastCheckInput struct {
	Question  domain.Question
	Answer    string
	Reasoning string
	// Evidence is only used for magnitude sanity.
	Evidence domain.EvidenceBundle
}

// FastCorrector runs the deterministic Stage 0 checks. It is pure and safe
// for concurrent use.
type FastCorrector struct {
	config FastCorrectionConfig
}

// NewFastCorrector validates config and returns a corrector.
func NewFastCorrector(config FastCorrectionConfig) (*FastCorrector, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &FastCorrector{config: config}, nil
}

// fastCheck accumulates the answer and findings as checks run in order.
type fastCheck struct {
	current     string
	parsed      domain.CandidateAnswer
	issues      []domain.Issue
	corrections []string
}

func (c *fastCheck) flag(kind domain.IssueKind, detail string) {
	c.issues = append(c.issues, domain.NewIssue(StageFastCorrection, kind, detail))
}

func (c *fastCheck) correct(kind domain.IssueKind, detail, correction, answer string) {
	is := domain.NewIssue(StageFastCorrection, kind, detail)
	is.Resolved = true
	c.issues = append(c.issues, is)
	c.corrections = append(c.corrections, correction)
	c.current = answer
	c.parsed = domain.ParseAnswer(answer)
}

// Check runs the five fast checks in order: type, proportion scale, unit
// ambiguity, sign, and range. Each check sees the answer as corrected by the
// checks before it.
func (fc *FastCorrector) Check(in FastCheckInput) domain.LayerResult {
	c := &fastCheck{current: in.Answer, parsed: domain.ParseAnswer(in.Answer)}
	expected := in.Question.ExpectedType
	cueText := in.Question.Text + "\n" + in.Reasoning

	fc.checkType(c, expected)
	if c.parsed.IsNumeric() {
		fc.checkProportion(c, expected)
		fc.checkUnitAmbiguity(c, cueText)
		fc.checkSign(c, in.Question, cueText)
		fc.checkRange(c, in)
	}

	return fc.result(c, in.Answer, expected)
}

func (fc *FastCorrector) checkType(c *fastCheck, expected domain.ExpectedType) {
	switch {
	case strings.TrimSpace(c.current) == "":
		return
	case expected.IsNumeric() && !c.parsed.IsNumeric():
		c.flag(domain.IssueTypeMismatch, fmt.Sprintf("expected a %s answer but got text", expected))
	case expected == domain.ExpectedPercentage && c.parsed.Format != domain.FormatPercentage:
		// Decimals under 1 may be small percentages, so never rescale here.
		c.flag(domain.IssueTypeMismatch, "expected a percentage but the answer has no percent marker")
	case (expected == domain.ExpectedAbsolute || expected == domain.ExpectedCurrency) &&
		c.parsed.Format == domain.FormatPercentage:
		fixed := domain.FormatLike(c.parsed.Number(), c.parsed, domain.FormatAbsolute)
		c.correct(domain.IssueTypeMismatch,
			fmt.Sprintf("percent marker stripped from %s answer %q", expected, c.current), "format", fixed)
	}
}

func (fc *FastCorrector) checkProportion(c *fastCheck, expected domain.ExpectedType) {
	v := c.parsed.Number()
	if expected != domain.ExpectedProportion || math.Abs(v) <= 1 {
		return
	}
	// Past 100 the rescaled value would still exceed 1, and a second pass
	// would divide again.
	if math.Abs(v) > 100 {
		c.flag(domain.IssueScaleMismatch,
			fmt.Sprintf("proportion %s exceeds 1 and is not a plausible percentage", c.current))
		return
	}
	fixed := domain.FormatValue(v/100, domain.FormatAbsolute)
	c.correct(domain.IssueScaleMismatch,
		fmt.Sprintf("proportion %s exceeds 1; divided by 100", c.current), "scale", fixed)
}

func (fc *FastCorrector) checkUnitAmbiguity(c *fastCheck, cueText string) {
	v := math.Abs(c.parsed.Number())
	if c.parsed.Format != domain.FormatPercentage || v == 0 || v >= 1 {
		return
	}
	if strings.Contains(strings.ToLower(c.parsed.Raw), "percent") || profile.HasPercentWording(cueText) {
		return
	}
	c.flag(domain.IssueUnitAmbiguous,
		fmt.Sprintf("%s may be a decimal fraction written as a percentage", c.current))
}

func (fc *FastCorrector) checkSign(c *fastCheck, q domain.Question, cueText string) {
	v := c.parsed.Number()
	if v == 0 {
		return
	}

	if q.ExpectedSign.WantsMagnitude() {
		if v < 0 {
			c.correct(domain.IssueSignMismatch,
				fmt.Sprintf("question asks for a magnitude; %s made positive", c.current),
				"sign", negate(c))
		}
		return
	}

	folded := cases.Fold().String(cueText)
	up := len(upCue.FindAllString(folded, -1))
	down := len(downCue.FindAllString(folded, -1))
	margin := fc.config.SignVoteMargin

	switch {
	case v > 0 && down-up >= margin:
		c.correct(domain.IssueSignMismatch,
			fmt.Sprintf("decrease cues outnumber increase cues %d to %d; sign flipped", down, up),
			"sign", negate(c))
	case v < 0 && up-down >= margin:
		c.correct(domain.IssueSignMismatch,
			fmt.Sprintf("increase cues outnumber decrease cues %d to %d; sign flipped", up, down),
			"sign", negate(c))
	}
}

// negate renders the current answer with its sign reversed, keeping its
// format, currency and scale.
func negate(c *fastCheck) string {
	return domain.FormatLike(-c.parsed.Number(), c.parsed, c.parsed.Format)
}

func (fc *FastCorrector) checkRange(c *fastCheck, in FastCheckInput) {
	v := c.parsed.Number()

	if c.parsed.Format == domain.FormatPercentage || in.Question.ExpectedType == domain.ExpectedPercentage {
		switch {
		case v < fc.config.MinPercent:
			c.flag(domain.IssueRangeViolation,
				fmt.Sprintf("percentage %s is below %s%%", c.current, domain.FormatValue(fc.config.MinPercent, domain.FormatAbsolute)))
		case v > fc.config.MaxPercent && !profile.HasGrowthWording(in.Question.Text):
			c.flag(domain.IssueRangeViolation,
				fmt.Sprintf("percentage %s is above %s%%", c.current, domain.FormatValue(fc.config.MaxPercent, domain.FormatAbsolute)))
		}
	}

	if maxMag := in.Evidence.MaxMagnitude(); maxMag > 0 && math.Abs(v) > fc.config.MagnitudeRatio*maxMag {
		c.flag(domain.IssueRangeViolation,
			fmt.Sprintf("%s is more than %sx the largest evidence value %s",
				c.current,
				domain.FormatValue(fc.config.MagnitudeRatio, domain.FormatAbsolute),
				domain.FormatValue(maxMag, domain.FormatAbsolute)))
	}
}

func (fc *FastCorrector) result(c *fastCheck, original string, expected domain.ExpectedType) domain.LayerResult {
	applied := c.current != original
	res := domain.LayerResult{
		Passed:            domain.AllResolved(c.issues),
		Issues:            c.issues,
		CorrectionApplied: applied,
		CorrectionType:    strings.Join(c.corrections, "+"),
	}
	if applied {
		res.CorrectedAnswer = c.current
	}

	switch {
	case len(c.issues) == 0 && !applied && formatMatches(expected, c.parsed):
		res.Confidence = domain.ConfidenceHigh
	case len(c.issues) == 0:
		res.Confidence = domain.ConfidenceMedium
	case !domain.AllResolved(c.issues):
		res.Confidence = domain.ConfidenceLow
	default:
		res.Confidence = domain.ConfidenceMedium
	}
	res.FastPathEligible = res.Confidence == domain.ConfidenceHigh
	return res
}

// formatMatches reports whether the parsed answer already has the surface
// format the expected type calls for. Unknown expectations never match.
func formatMatches(expected domain.ExpectedType, ans domain.CandidateAnswer) bool {
	if !ans.IsNumeric() {
		return false
	}
	switch expected {
	case domain.ExpectedPercentage:
		return ans.Format == domain.FormatPercentage
	case domain.ExpectedAbsolute, domain.ExpectedCurrency:
		return ans.Format == domain.FormatAbsolute || ans.Format == domain.FormatCurrency
	case domain.ExpectedProportion, domain.ExpectedRatio:
		return ans.Format == domain.FormatAbsolute
	default:
		return false
	}
}

// FastCorrectionUnit runs the FastCorrector as the first pipeline stage and
// applies its corrections to the current answer. It makes no oracle calls,
// so it never consumes budget and completes in well under a millisecond.
//
// The stage result carries FastPathEligible; the gate takes the fast path
// only when this stage is fully confident and raised no issues.
//
// Concurrency: FastCorrectionUnit holds only immutable configuration and is
// safe for concurrent use. Execute never modifies the input state.
//
// Observability: each Execute emits a span with the stage confidence, the
// fast-path flag, whether a correction was applied and the issue count.
type FastCorrectionUnit struct {
	// name is the stage name stamped on issues and spans.
	name string
	// corrector holds the validated fast-check thresholds.
	corrector *FastCorrector
	// tracer starts one span per Execute.
	tracer trace.Tracer
}

// NewFastCorrectionUnit creates the Stage 0 unit.
func NewFastCorrectionUnit(name string, config FastCorrectionConfig) (*FastCorrectionUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	fc, err := NewFastCorrector(config)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", name, err)
	}
	return &FastCorrectionUnit{
		name:      name,
		corrector: fc,
		tracer:    otel.Tracer("fast-correction-unit"),
	}, nil
}

// Name returns the unit's stage name.
func (u *FastCorrectionUnit) Name() string { return u.name }

// Execute checks the current answer and records the Stage 0 result.
//
// State requirements:
//   - domain.KeyQuestion, domain.KeyEvidence, domain.KeyReasonerOutput
//   - domain.KeyCurrentAnswer: the answer to check
//
// A correction replaces domain.KeyCurrentAnswer in the returned state. A
// missing key is an error and leaves the state unchanged.
func (u *FastCorrectionUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	_, span := u.tracer.Start(ctx, "FastCorrectionUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "fast_correction"),
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

	res := u.corrector.Check(FastCheckInput{
		Question:  in.question,
		Answer:    in.answer,
		Reasoning: in.output.Reasoning,
		Evidence:  in.evidence,
	})
	res.Issues = stampStage(res.Issues, u.name)

	span.SetAttributes(
		attribute.String("stage.confidence", string(res.Confidence)),
		attribute.Bool("stage.fast_path_eligible", res.FastPathEligible),
		attribute.Bool("stage.correction_applied", res.CorrectionApplied),
		attribute.Int("stage.issues", len(res.Issues)),
	)

	return state.AppendStageResult(domain.StageResult{
		Stage:    u.name,
		Result:   res,
		Duration: time.Since(start),
	}), nil
}

// Validate checks the unit's configuration.
func (u *FastCorrectionUnit) Validate() error {
	if u.corrector == nil {
		return fmt.Errorf("unit %s: corrector is not configured", u.name)
	}
	if err := validate.Struct(u.corrector.config); err != nil {
		return fmt.Errorf("unit %s: configuration validation failed: %w", u.name, err)
	}
	return nil
}

// NewFastCorrectionFromConfig builds the unit from a parameter map overlaid
// on the defaults.
func NewFastCorrectionFromConfig(id string, params map[string]any, _ ports.LLMClient) (ports.Unit, error) {
	cfg := DefaultFastCorrectionConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return NewFastCorrectionUnit(id, cfg)
}

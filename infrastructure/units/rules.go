package units

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/formula"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var (
	_ ports.Unit = (*ScenarioUnit)(nil)
	_ ports.Unit = (*TraceabilityUnit)(nil)
	_ ports.Unit = (*NumericConsistencyUnit)(nil)
)

// ruleChecker is the pure check behind a rule unit.
type ruleChecker func(in attemptInputs, state domain.State) []domain.Issue

// ruleUnit runs a ruleChecker as a pipeline stage. Rule units never call
// the oracle and never correct the answer.
type ruleUnit struct {
	name     string
	kind     string
	tracer   trace.Tracer
	check    ruleChecker
	validate func() error
}

func (u *ruleUnit) Name() string { return u.name }

func (u *ruleUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	_, span := u.tracer.Start(ctx, "RuleUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", u.kind),
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

	issues := u.check(in, state)
	span.SetAttributes(attribute.Int("rule.issues", len(issues)))
	return state.AppendStageResult(domain.StageResult{
		Stage:    u.name,
		Result:   ruleResult(issues),
		Duration: time.Since(start),
	}), nil
}

func (u *ruleUnit) Validate() error {
	if u.validate == nil {
		return nil
	}
	if err := u.validate(); err != nil {
		return fmt.Errorf("unit %s: configuration validation failed: %w", u.name, err)
	}
	return nil
}

// DefaultQualifiers are the reporting-basis words a question can pin its
// figures to.
var DefaultQualifiers = []string{"adjusted", "pro forma", "non-gaap", "diluted", "basic", "restated"}

// ScenarioConfig configures the scenario consistency check.
type ScenarioConfig struct {
	Qualifiers []string `yaml:"qualifiers" json:"qualifiers" validate:"dive,required"`
}

// DefaultScenarioConfig checks every default qualifier.
func DefaultScenarioConfig() ScenarioConfig {
	return ScenarioConfig{Qualifiers: slices.Clone(DefaultQualifiers)}
}

// ScenarioUnit checks that the reasoning addresses the periods and the
// reporting basis the question asks about.
type ScenarioUnit struct {
	ruleUnit
	config     ScenarioConfig
	qualifiers []*regexp.Regexp
}

// NewScenarioUnit creates the scenario consistency checker.
func NewScenarioUnit(name string, config ScenarioConfig) (*ScenarioUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("unit %s: configuration validation failed: %w", name, err)
	}

	u := &ScenarioUnit{config: config}
	for _, q := range config.Qualifiers {
		u.qualifiers = append(u.qualifiers, qualifierPattern(q))
	}
	u.ruleUnit = ruleUnit{
		name:   name,
		kind:   "scenario",
		tracer: otel.Tracer("scenario-unit"),
		check: func(in attemptInputs, _ domain.State) []domain.Issue {
			return u.Check(in.question, in.output)
		},
		validate: func() error { return validate.Struct(u.config) },
	}
	return u, nil
}

// qualifierPattern matches q as a whole phrase, treating spaces and
// hyphens inside it as interchangeable.
func qualifierPattern(q string) *regexp.Regexp {
	parts := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool { return r == ' ' || r == '-' })
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)\b` + strings.Join(parts, `[\s-]?`) + `\b`)
}

// Check returns a scenario_mismatch for every question year and qualifier
// the reasoning never mentions. An output with no reasoning and no operands
// has nothing to compare and is left to the traceability check.
func (u *ScenarioUnit) Check(q domain.Question, out domain.ReasonerOutput) []domain.Issue {
	labels := make([]string, 0, len(out.Operands))
	for _, op := range out.Operands {
		labels = append(labels, op.Label)
	}
	subject := strings.TrimSpace(out.Reasoning + " " + strings.Join(labels, " "))
	if subject == "" {
		return nil
	}
	lower := strings.ToLower(subject)

	var issues []domain.Issue
	for _, y := range q.Years {
		full := strconv.Itoa(y)
		if strings.Contains(lower, full) || strings.Contains(lower, "fy"+full[2:]) {
			continue
		}
		issues = append(issues, domain.NewIssue(u.name, domain.IssueScenarioMismatch,
			fmt.Sprintf("question asks about %d but the reasoning never uses it", y)))
	}
	for i, re := range u.qualifiers {
		if re.MatchString(q.Text) && !re.MatchString(subject) {
			issues = append(issues, domain.NewIssue(u.name, domain.IssueScenarioMismatch,
				fmt.Sprintf("question asks for %s figures but the reasoning does not", u.config.Qualifiers[i])))
		}
	}
	return issues
}

// NewScenarioFromConfig builds the unit from a parameter map overlaid on
// the defaults.
func NewScenarioFromConfig(id string, params map[string]any, _ ports.LLMClient) (ports.Unit, error) {
	cfg := DefaultScenarioConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return NewScenarioUnit(id, cfg)
}

var reasoningNumber = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// TraceabilityUnit checks that a numeric answer comes with reasoning that
// shows where its numbers came from.
type TraceabilityUnit struct {
	ruleUnit
}

// NewTraceabilityUnit creates the traceability checker.
func NewTraceabilityUnit(name string) (*TraceabilityUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	u := &TraceabilityUnit{}
	u.ruleUnit = ruleUnit{
		name:   name,
		kind:   "traceability",
		tracer: otel.Tracer("traceability-unit"),
		check: func(in attemptInputs, _ domain.State) []domain.Issue {
			return u.Check(in.answer, in.output)
		},
	}
	return u, nil
}

// Check flags a numeric answer with empty reasoning, or with reasoning that
// names neither operands nor any number.
func (u *TraceabilityUnit) Check(answer string, out domain.ReasonerOutput) []domain.Issue {
	if !domain.ParseAnswer(answer).IsNumeric() {
		return nil
	}
	reasoning := strings.TrimSpace(out.Reasoning)
	switch {
	case reasoning == "":
		return []domain.Issue{domain.NewIssue(u.name, domain.IssueTraceabilityGap,
			"numeric answer has no reasoning")}
	case len(out.Operands) == 0 && !reasoningNumber.MatchString(reasoning):
		return []domain.Issue{domain.NewIssue(u.name, domain.IssueTraceabilityGap,
			"reasoning cites no operands or numbers")}
	}
	return nil
}

// NewTraceabilityFromConfig builds the unit. It takes no parameters.
func NewTraceabilityFromConfig(id string, _ map[string]any, _ ports.LLMClient) (ports.Unit, error) {
	return NewTraceabilityUnit(id)
}

// DefaultArithmeticTolerance is the relative error allowed between a
// stated result and its recomputation.
const DefaultArithmeticTolerance = 0.01

// NumericConsistencyConfig configures the arithmetic check.
type NumericConsistencyConfig struct {
	Tolerance float64 `yaml:"tolerance" json:"tolerance" validate:"gt=0,lt=1"`
}

// DefaultNumericConsistencyConfig returns the default arithmetic tolerance.
func DefaultNumericConsistencyConfig() NumericConsistencyConfig {
	return NumericConsistencyConfig{Tolerance: DefaultArithmeticTolerance}
}

const numPattern = `(-?\$?\d[\d,]*(?:\.\d+)?)`

var (
	// a op b = c, with optional percent marks and a bps result.
	equationPattern = regexp.MustCompile(
		numPattern + `\s*(%)?\s*([-+*/×÷−])\s*` + numPattern + `\s*(%)?\s*=\s*` + numPattern +
			`\s*(%|bps\b|basis points)?`)
	resultPattern = regexp.MustCompile(`=\s*` + numPattern + `\s*(%)?`)
)

// NumericConsistencyUnit checks the arithmetic written out in the
// reasoning and that its final result matches the stated answer.
type NumericConsistencyUnit struct {
	ruleUnit
	config NumericConsistencyConfig
}

// NewNumericConsistencyUnit creates the arithmetic checker.
func NewNumericConsistencyUnit(name string, config NumericConsistencyConfig) (*NumericConsistencyUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("unit %s: configuration validation failed: %w", name, err)
	}
	u := &NumericConsistencyUnit{config: config}
	u.ruleUnit = ruleUnit{
		name:   name,
		kind:   "numeric_consistency",
		tracer: otel.Tracer("numeric-consistency-unit"),
		check: func(in attemptInputs, state domain.State) []domain.Issue {
			stated, ok := domain.Get(state, domain.KeyOriginalAnswer)
			if !ok {
				stated = in.output.Answer
			}
			return u.Check(in.output.Reasoning, stated)
		},
		validate: func() error { return validate.Struct(u.config) },
	}
	return u, nil
}

// Check verifies every "a op b = c" in reasoning and compares the last
// stated result with the answer the reasoning was written for. Signs are
// not compared; sign handling belongs to fast correction.
func (u *NumericConsistencyUnit) Check(reasoning, answer string) []domain.Issue {
	var issues []domain.Issue

	for _, m := range equationPattern.FindAllStringSubmatchIndex(reasoning, -1) {
		if continuesExpression(reasoning[:m[0]]) {
			continue
		}
		g := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return reasoning[m[2*i]:m[2*i+1]]
		}
		a, b, c := parseNum(g(1)), parseNum(g(4)), parseNum(g(6))
		unit := strings.ToLower(g(7))

		if !u.equationHolds(a, b, c, g(3), unit) {
			issues = append(issues, domain.NewIssue(u.name, domain.IssueNumericInconsistency,
				fmt.Sprintf("%q does not hold", strings.TrimSpace(reasoning[m[0]:m[1]]))))
		}
	}

	ans := domain.ParseAnswer(answer)
	results := resultPattern.FindAllStringSubmatch(reasoning, -1)
	if ans.IsNumeric() && len(results) > 0 {
		final := math.Abs(parseNum(results[len(results)-1][1]))
		v := math.Abs(ans.Number())
		if !u.close(v, final) && !u.close(v, final*100) && !u.close(v, final/100) {
			issues = append(issues, domain.NewIssue(u.name, domain.IssueNumericInconsistency,
				fmt.Sprintf("reasoning concludes %s but the answer is %q",
					strings.TrimSpace(results[len(results)-1][1]), answer)))
		}
	}
	return issues
}

func (u *NumericConsistencyUnit) equationHolds(a, b, c float64, op, unit string) bool {
	var want float64
	switch op {
	case "+":
		want = a + b
	case "-", "−":
		want = a - b
	case "*", "×":
		want = a * b
	case "/", "÷":
		if b == 0 {
			return false
		}
		want = a / b
	}
	if strings.HasPrefix(unit, "b") {
		want *= 100
	}
	if u.close(c, want) {
		return true
	}
	// A ratio written as a percentage.
	return (op == "/" || op == "÷") && u.close(c, want*100)
}

// close accepts the configured relative error or a difference explained by
// rounding to the stated precision.
func (u *NumericConsistencyUnit) close(stated, computed float64) bool {
	if formula.RelativeDiff(stated, computed) <= u.config.Tolerance {
		return true
	}
	return math.Abs(stated-computed) <= roundingSlack(stated)
}

// roundingSlack is half a unit in the last decimal place of v as printed.
func roundingSlack(v float64) float64 {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	decimals := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		decimals = len(s) - i - 1
	}
	return 0.5 * math.Pow(10, -float64(decimals))
}

// continuesExpression reports whether a match is the tail of a longer
// expression such as "a + b + c = d", which is not checked.
func continuesExpression(before string) bool {
	before = strings.TrimRight(before, " \t")
	if before == "" {
		return false
	}
	last := before[len(before)-1]
	return strings.ContainsRune("+-*/)(0123456789.,$", rune(last)) ||
		strings.HasSuffix(before, "×") || strings.HasSuffix(before, "÷") || strings.HasSuffix(before, "−")
}

func parseNum(s string) float64 {
	s = strings.NewReplacer("$", "", ",", "").Replace(s)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// NewNumericConsistencyFromConfig builds the unit from a parameter map
// overlaid on the defaults.
func NewNumericConsistencyFromConfig(id string, params map[string]any, _ ports.LLMClient) (ports.Unit, error) {
	cfg := DefaultNumericConsistencyConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return NewNumericConsistencyUnit(id, cfg)
}

package testutils

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/formula"
)

// Faults injected into generated reasoner outputs.
const (
	FaultNone       = "none"
	FaultArithmetic = "arithmetic"
	FaultScale      = "scale"
	FaultSign       = "sign"
	FaultUncited    = "uncited"
)

// Faults lists every injectable fault.
var Faults = []string{FaultNone, FaultArithmetic, FaultScale, FaultSign, FaultUncited}

var lineItems = []string{"net revenue", "cost of sales", "operating expenses", "operating income", "net income"}

type caseTemplate struct {
	formula  domain.FormulaType
	question string
	// pick chooses the operands: item rows and the year column for each.
	pick func(rng *rand.Rand) []operandRef
}

type operandRef struct {
	item string
	late bool
}

var caseTemplates = []caseTemplate{
	{
		formula:  domain.FormulaPercentageChange,
		question: "What was the percentage change in {a} from {y1} to {y2}?",
		pick:     changeRefs,
	},
	{
		formula:  domain.FormulaAbsoluteChange,
		question: "What was the change in {a} from {y1} to {y2}?",
		pick:     changeRefs,
	},
	{
		formula:  domain.FormulaTotal,
		question: "What was the total {a} in {y1} and {y2} combined?",
		pick:     changeRefs,
	},
	{
		formula:  domain.FormulaAverage,
		question: "What was the average {a} in {y1} and {y2}?",
		pick:     changeRefs,
	},
	{
		formula:  domain.FormulaRatio,
		question: "What was the ratio of {a} to {b} in {y2}?",
		pick: func(rng *rand.Rand) []operandRef {
			a, b := twoItems(rng)
			return []operandRef{{item: a, late: true}, {item: b, late: true}}
		},
	},
	{
		formula:  domain.FormulaPercentageOfTotal,
		question: "What percentage of {b} was {a} in {y2}?",
		pick: func(rng *rand.Rand) []operandRef {
			a := lineItems[1+rng.Intn(len(lineItems)-1)]
			return []operandRef{{item: a, late: true}, {item: lineItems[0], late: true}}
		},
	},
}

func changeRefs(rng *rand.Rand) []operandRef {
	a := lineItems[rng.Intn(len(lineItems))]
	return []operandRef{{item: a}, {item: a, late: true}}
}

func twoItems(rng *rand.Rand) (string, string) {
	i := rng.Intn(len(lineItems))
	j := (i + 1 + rng.Intn(len(lineItems)-1)) % len(lineItems)
	return lineItems[i], lineItems[j]
}

// GenerateCases creates size synthetic cases over random income statements.
// Each case carries a reasoner output with one of Faults injected and the
// answer a correct pipeline should produce. The same seed yields the same
// cases.
func GenerateCases(size int, seed int64) []Case {
	rng := rand.New(rand.NewSource(seed))
	cases := make([]Case, 0, size)
	for i := range size {
		tmpl := caseTemplates[rng.Intn(len(caseTemplates))]
		fault := Faults[rng.Intn(len(Faults))]
		cases = append(cases, generateCase(rng, i, tmpl, fault))
	}
	return cases
}

// GenerateCasesDefault creates cases with a time-based seed.
func GenerateCasesDefault(size int) []Case {
	return GenerateCases(size, time.Now().UnixNano())
}

type statement struct {
	early, late int
	values      map[string][2]float64
}

func randomStatement(rng *rand.Rand) statement {
	s := statement{early: 2015 + rng.Intn(8), values: make(map[string][2]float64, len(lineItems))}
	s.late = s.early + 1
	for _, item := range lineItems {
		v1 := float64(100 + rng.Intn(4900))
		growth := 0.02 + rng.Float64()*0.35
		if rng.Intn(3) == 0 {
			growth = -growth
		}
		v2 := math.Round(v1 * (1 + growth))
		if v2 == v1 {
			v2++
		}
		s.values[item] = [2]float64{v1, v2}
	}
	return s
}

func (s statement) value(ref operandRef) float64 {
	v := s.values[ref.item]
	if ref.late {
		return v[1]
	}
	return v[0]
}

func (s statement) year(ref operandRef) int {
	if ref.late {
		return s.late
	}
	return s.early
}

func (s statement) evidence(ref operandRef) domain.EvidenceBundle {
	lead := s.values[ref.item]
	verb := "increased"
	if lead[1] < lead[0] {
		verb = "decreased"
	}
	text := fmt.Sprintf("%s %s to $%s million in %d from $%s million in %d.",
		capitalize(ref.item), verb, number(lead[1]), s.late, number(lead[0]), s.early)

	rows := make([][]string, 0, len(lineItems))
	for _, item := range lineItems {
		v := s.values[item]
		rows = append(rows, []string{item, number(v[1]), number(v[0])})
	}
	return domain.EvidenceBundle{
		Texts: []domain.TextBlock{{ID: "p1", Content: text}},
		Tables: []domain.Table{{
			ID:      "t1",
			Caption: "Consolidated statement of income (in millions)",
			Header:  []string{"line item", strconv.Itoa(s.late), strconv.Itoa(s.early)},
			Rows:    rows,
		}},
	}
}

func generateCase(rng *rand.Rand, index int, tmpl caseTemplate, fault string) Case {
	st := randomStatement(rng)
	refs := tmpl.pick(rng)

	operands := make([]domain.Operand, len(refs))
	values := make([]float64, len(refs))
	for i, ref := range refs {
		values[i] = st.value(ref)
		operands[i] = domain.Operand{Label: fmt.Sprintf("%s %d", ref.item, st.year(ref)), Value: values[i]}
	}

	// Operands are positive and distinct, so Compute cannot fail here.
	want, _ := formula.Compute(tmpl.formula, values)
	format := domain.FormatAbsolute
	if tmpl.formula == domain.FormulaPercentageChange || tmpl.formula == domain.FormulaPercentageOfTotal {
		format = domain.FormatPercentage
	}
	expected := domain.FormatValue(domain.RoundTo(want, 2), format)

	b := refs[len(refs)-1].item
	question := strings.NewReplacer(
		"{a}", refs[0].item,
		"{b}", b,
		"{y1}", strconv.Itoa(st.early),
		"{y2}", strconv.Itoa(st.late),
	).Replace(tmpl.question)

	correct := domain.ReasonerOutput{
		Answer:    expected,
		Reasoning: fmt.Sprintf("Applying %s to %s gives %s.", tmpl.formula, operandList(operands), expected),
		Citations: []string{"p1", "t1"},
		Operands:  operands,
	}

	outputs := []domain.ReasonerOutput{injectFault(rng, correct, want, format, tmpl.formula, &fault)}
	if fault == FaultUncited {
		outputs = append(outputs, correct)
	}

	return Case{
		ID:       fmt.Sprintf("fin-%04d", index+1),
		Question: question,
		Evidence: st.evidence(refs[0]),
		Outputs:  outputs,
		Expected: expected,
		Tags: map[string]string{
			TagFormula: tmpl.formula.String(),
			TagFault:   fault,
		},
	}
}

// injectFault returns out with fault applied. Faults that do not apply to
// the formula degrade to an arithmetic fault, and *fault is updated.
func injectFault(
	rng *rand.Rand,
	out domain.ReasonerOutput,
	want float64,
	format domain.AnswerFormat,
	ft domain.FormulaType,
	fault *string,
) domain.ReasonerOutput {
	signed := ft == domain.FormulaPercentageChange || ft == domain.FormulaAbsoluteChange
	if *fault == FaultSign && !signed {
		*fault = FaultArithmetic
	}

	switch *fault {
	case FaultArithmetic:
		off := want * (1 + 0.1 + rng.Float64()*0.2)
		out.Answer = domain.FormatValue(domain.RoundTo(off, 2), format)
	case FaultScale:
		if format == domain.FormatPercentage {
			out.Answer = domain.FormatValue(domain.RoundTo(want/100, 4), domain.FormatAbsolute)
		} else {
			out.Answer = domain.FormatValue(domain.RoundTo(want*1000, 2), format)
		}
	case FaultSign:
		out.Answer = domain.FormatValue(domain.RoundTo(-want, 2), format)
	case FaultUncited:
		out.Citations = nil
	}
	return out
}

func operandList(ops []domain.Operand) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = fmt.Sprintf("%s = %s", op.Label, number(op.Value))
	}
	return strings.Join(parts, ", ")
}

func number(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Package formula is the financial calculator used for recomputation. Each
// numeric FormulaType has exactly one Recomputation registered in a table
// that is built once and never mutated.
package formula

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/ahrav/go-fincheck/internal/domain"
)

var (
	// ErrUnsupportedFormula is returned for formulas with no recomputation.
	ErrUnsupportedFormula = errors.New("formula has no recomputation")

	// ErrInsufficientOperands is returned when too few operands were given.
	ErrInsufficientOperands = errors.New("insufficient operands")

	// ErrDivisionByZero is returned when a denominator operand is zero.
	ErrDivisionByZero = errors.New("division by zero")
)

// Func computes a value from operand values in extraction order.
type Func func(values []float64) (float64, error)

// Recomputation is the canonical calculation for one formula variant.
type Recomputation struct {
	// Compute returns the correctly oriented value.
	Compute Func
	// Swapped returns the value a reasoner gets by reversing numerator and
	// denominator (or old and new). Nil when order does not matter.
	Swapped Func
	// MinOperands is the fewest operand values Compute accepts.
	MinOperands int
	// Even requires an even operand count (two equal groups).
	Even bool
}

var table = map[domain.FormulaType]Recomputation{
	domain.FormulaPercentageChange: {
		Compute:     lastTwo(pctChange),
		Swapped:     lastTwo(func(old, cur float64) (float64, error) { return pctChange(cur, old) }),
		MinOperands: 2,
	},
	domain.FormulaPercentageOfTotal: {
		Compute:     lastTwo(percentOf),
		Swapped:     lastTwo(func(part, total float64) (float64, error) { return percentOf(total, part) }),
		MinOperands: 2,
	},
	domain.FormulaProportion: {
		Compute:     lastTwo(divide),
		Swapped:     lastTwo(func(part, total float64) (float64, error) { return divide(total, part) }),
		MinOperands: 2,
	},
	domain.FormulaAverage:         {Compute: mean, MinOperands: 2},
	domain.FormulaTemporalAverage: {Compute: mean, MinOperands: 2},
	domain.FormulaTotal:           {Compute: sum, MinOperands: 2},
	domain.FormulaAbsoluteChange: {
		Compute:     lastTwo(func(prev, last float64) (float64, error) { return last - prev, nil }),
		Swapped:     lastTwo(func(prev, last float64) (float64, error) { return prev - last, nil }),
		MinOperands: 2,
	},
	domain.FormulaDifference: {
		Compute:     lastTwo(func(prev, last float64) (float64, error) { return last - prev, nil }),
		Swapped:     lastTwo(func(prev, last float64) (float64, error) { return prev - last, nil }),
		MinOperands: 2,
	},
	domain.FormulaRatio: {
		Compute:     lastTwo(divide),
		Swapped:     lastTwo(func(num, den float64) (float64, error) { return divide(den, num) }),
		MinOperands: 2,
	},
	domain.FormulaChangeOfAverages: {
		Compute:     halves(func(first, second float64) float64 { return second - first }),
		Swapped:     halves(func(first, second float64) float64 { return first - second }),
		MinOperands: 4,
		Even:        true,
	},
	domain.FormulaDifferenceOfAverages: {
		Compute:     halves(func(first, second float64) float64 { return second - first }),
		Swapped:     halves(func(first, second float64) float64 { return first - second }),
		MinOperands: 4,
		Even:        true,
	},
}

// Lookup returns the recomputation registered for ft.
func Lookup(ft domain.FormulaType) (Recomputation, bool) {
	r, ok := table[ft]
	return r, ok
}

// Supported lists the formulas that have a recomputation.
func Supported() []domain.FormulaType {
	out := make([]domain.FormulaType, 0, len(table))
	for _, ft := range domain.AllFormulaTypes() {
		if _, ok := table[ft]; ok {
			out = append(out, ft)
		}
	}
	return out
}

// Values extracts operand values, dropping NaN and infinities.
func Values(operands []domain.Operand) []float64 {
	out := make([]float64, 0, len(operands))
	for _, op := range operands {
		if math.IsNaN(op.Value) || math.IsInf(op.Value, 0) {
			continue
		}
		out = append(out, op.Value)
	}
	return out
}

// Usable reports whether values satisfy the operand requirements of ft.
func Usable(ft domain.FormulaType, values []float64) error {
	r, ok := table[ft]
	if !ok {
		return fmt.Errorf("%s: %w", ft, ErrUnsupportedFormula)
	}
	if len(values) < r.MinOperands {
		return fmt.Errorf("%s needs %d operands, got %d: %w", ft, r.MinOperands, len(values), ErrInsufficientOperands)
	}
	if r.Even && len(values)%2 != 0 {
		return fmt.Errorf("%s needs an even operand count, got %d: %w", ft, len(values), ErrInsufficientOperands)
	}
	return nil
}

// Compute recomputes ft from values.
func Compute(ft domain.FormulaType, values []float64) (float64, error) {
	if err := Usable(ft, values); err != nil {
		return 0, err
	}
	return table[ft].Compute(values)
}

// ComputeSwapped recomputes ft with operand roles reversed. It returns
// ErrUnsupportedFormula when order does not matter for ft.
func ComputeSwapped(ft domain.FormulaType, values []float64) (float64, error) {
	if err := Usable(ft, values); err != nil {
		return 0, err
	}
	r := table[ft]
	if r.Swapped == nil {
		return 0, fmt.Errorf("%s is order independent: %w", ft, ErrUnsupportedFormula)
	}
	return r.Swapped(values)
}

// RelativeDiff returns |a-b| relative to the larger magnitude. Two zeros
// differ by zero.
func RelativeDiff(a, b float64) float64 {
	den := math.Max(math.Abs(a), math.Abs(b))
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}

func lastTwo(f func(a, b float64) (float64, error)) Func {
	return func(values []float64) (float64, error) {
		n := len(values)
		if n < 2 {
			return 0, ErrInsufficientOperands
		}
		return f(values[n-2], values[n-1])
	}
}

func halves(f func(first, second float64) float64) Func {
	return func(values []float64) (float64, error) {
		half := len(values) / 2
		first, err := stats.Mean(values[:half])
		if err != nil {
			return 0, err
		}
		second, err := stats.Mean(values[half:])
		if err != nil {
			return 0, err
		}
		return f(first, second), nil
	}
}

func mean(values []float64) (float64, error) { return stats.Mean(values) }

func sum(values []float64) (float64, error) { return stats.Sum(values) }

func divide(num, den float64) (float64, error) {
	if den == 0 {
		return 0, ErrDivisionByZero
	}
	return num / den, nil
}

func pctChange(old, cur float64) (float64, error) {
	if old == 0 {
		return 0, ErrDivisionByZero
	}
	return (cur - old) / old * 100, nil
}

func percentOf(part, total float64) (float64, error) {
	v, err := divide(part, total)
	return v * 100, err
}

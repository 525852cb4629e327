// Package middleware wraps pipeline stages with cross-cutting concerns:
// oracle budget enforcement, budget observability and a Prometheus-backed
// metrics collector.
package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-fincheck/internal/application"
	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

// Budget caps the oracle consumption of a single attempt.
type Budget struct {
	// MaxTokens limits the tokens an attempt may consume. Zero means unlimited.
	MaxTokens int64

	// MaxCalls limits the oracle calls an attempt may make. Zero means unlimited.
	MaxCalls int64
}

// Remaining reports how much of each limit is left for usage. Unlimited
// dimensions report -1.
func (b Budget) Remaining(usage domain.Usage) (tokens, calls int64) {
	tokens, calls = -1, -1
	if b.MaxTokens > 0 {
		tokens = max(b.MaxTokens-usage.Tokens, 0)
	}
	if b.MaxCalls > 0 {
		calls = max(b.MaxCalls-usage.Calls, 0)
	}
	return tokens, calls
}

// BudgetObserver receives budget events around a guarded stage.
// Before may return a derived context; After receives that context so
// implementations can keep per-call state (such as a span) in it rather
// than on the observer.
type BudgetObserver interface {
	Before(ctx context.Context, stage string, usage domain.Usage, budget Budget) context.Context
	After(ctx context.Context, stage string, usage domain.Usage, budget Budget, elapsed time.Duration, err error)
}

var _ ports.Unit = (*BudgetManager)(nil)

// BudgetManager refuses to run an oracle-backed stage once the attempt has
// spent its budget. Usage is read from the attempt state, so the manager
// holds no mutable state and is safe for concurrent attempts.
//
// A stage that starts within budget is allowed to finish even if it
// overshoots; the overshoot is reported to the observer and blocks the
// next guarded stage instead.
type BudgetManager struct {
	budget   Budget
	next     ports.Unit
	observer BudgetObserver
}

// NewBudgetManager wraps next. observer may be nil.
func NewBudgetManager(budget Budget, next ports.Unit, observer BudgetObserver) *BudgetManager {
	if next == nil {
		panic("budget manager: next unit is required")
	}
	return &BudgetManager{budget: budget, next: next, observer: observer}
}

// Decorator returns a wrapper suitable for application.WithOracleDecorator.
func Decorator(budget Budget, observer BudgetObserver) func(ports.Unit) ports.Unit {
	return func(u ports.Unit) ports.Unit {
		return NewBudgetManager(budget, u, observer)
	}
}

// Name returns the wrapped stage's name so results and metrics stay keyed by
// stage.
func (bm *BudgetManager) Name() string { return bm.next.Name() }

// Execute runs the wrapped stage when the attempt still has budget left.
func (bm *BudgetManager) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	usage := state.GetBudgetUsage()
	if bm.observer != nil {
		ctx = bm.observer.Before(ctx, bm.Name(), usage, bm.budget)
	}

	if err := bm.check(usage); err != nil {
		if bm.observer != nil {
			bm.observer.After(ctx, bm.Name(), usage, bm.budget, 0, err)
		}
		return state, err
	}

	start := time.Now()
	next, err := bm.next.Execute(ctx, state)
	if bm.observer != nil {
		final := next.GetBudgetUsage()
		obsErr := err
		if obsErr == nil {
			obsErr = bm.overshoot(final)
		}
		bm.observer.After(ctx, bm.Name(), final, bm.budget, time.Since(start), obsErr)
	}
	return next, err
}

// Validate checks the limits and the wrapped stage.
func (bm *BudgetManager) Validate() error {
	if bm.budget.MaxTokens < 0 {
		return fmt.Errorf("budget manager: max_tokens cannot be negative, got %d", bm.budget.MaxTokens)
	}
	if bm.budget.MaxCalls < 0 {
		return fmt.Errorf("budget manager: max_calls cannot be negative, got %d", bm.budget.MaxCalls)
	}
	return bm.next.Validate()
}

// check fails when no budget is left to start another oracle stage.
func (bm *BudgetManager) check(usage domain.Usage) error {
	if bm.budget.MaxTokens > 0 && usage.Tokens >= bm.budget.MaxTokens {
		return domain.NewBudgetExceededError("tokens", int(bm.budget.MaxTokens), int(usage.Tokens), bm.Name())
	}
	if bm.budget.MaxCalls > 0 && usage.Calls >= bm.budget.MaxCalls {
		return domain.NewBudgetExceededError("calls", int(bm.budget.MaxCalls), int(usage.Calls), bm.Name())
	}
	return nil
}

// overshoot reports a limit the stage ran past while executing.
func (bm *BudgetManager) overshoot(usage domain.Usage) error {
	if bm.budget.MaxTokens > 0 && usage.Tokens > bm.budget.MaxTokens {
		return domain.NewBudgetExceededError("tokens", int(bm.budget.MaxTokens), int(usage.Tokens), bm.Name())
	}
	if bm.budget.MaxCalls > 0 && usage.Calls > bm.budget.MaxCalls {
		return domain.NewBudgetExceededError("calls", int(bm.budget.MaxCalls), int(usage.Calls), bm.Name())
	}
	return nil
}

// BudgetFromConfig converts the pipeline budget configuration.
func BudgetFromConfig(config application.BudgetConfig) Budget {
	return Budget{MaxTokens: config.MaxTokens, MaxCalls: config.MaxCalls}
}

package domain

import (
	"errors"
	"fmt"
)

// Common domain errors.
var (
	// ErrKeyNotFound indicates that a required State key is missing.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEmptyValue indicates that a required value is empty.
	ErrEmptyValue = errors.New("empty value")

	// ErrInvalidConfiguration indicates invalid or incomplete configuration.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrBudgetExceeded indicates that an attempt spent its oracle budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// StateError reports a failed State read by a stage.
type StateError struct {
	Key       string
	Operation string
	Err       error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error: operation=%s, key=%s, err=%v", e.Operation, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *StateError) Unwrap() error { return e.Err }

// NewStateError creates a StateError.
func NewStateError(key, operation string, err error) *StateError {
	return &StateError{Key: key, Operation: operation, Err: err}
}

// ValidationError collects validation failures for one entity.
type ValidationError struct {
	Entity string
	Errors []string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %v", e.Entity, e.Errors)
}

// AddError appends a validation message.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors reports whether any message was added.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// Unwrap lets errors.Is match ErrInvalidConfiguration.
func (e *ValidationError) Unwrap() error { return ErrInvalidConfiguration }

// NewValidationError creates an empty ValidationError for entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{Entity: entity, Errors: make([]string, 0)}
}

// BudgetExceededError reports which oracle limit a stage ran past.
type BudgetExceededError struct {
	// LimitType is "tokens" or "calls".
	LimitType string
	Limit     int
	Used      int
	Stage     string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("stage %s exceeded %s budget: used %d of %d", e.Stage, e.LimitType, e.Used, e.Limit)
}

// Unwrap lets errors.Is match ErrBudgetExceeded.
func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// NewBudgetExceededError creates a BudgetExceededError.
func NewBudgetExceededError(limitType string, limit, used int, stage string) *BudgetExceededError {
	return &BudgetExceededError{LimitType: limitType, Limit: limit, Used: used, Stage: stage}
}

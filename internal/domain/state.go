package domain

import (
	"fmt"
	"maps"
	"reflect"
	"time"
)

// Key is a typed key into State. The type parameter makes Get and With
// type-safe without runtime assertions at call sites.
type Key[T any] struct{ name string }

// NewKey creates a key outside the domain package.
func NewKey[T any](name string) Key[T] { return Key[T]{name: name} }

// Name returns the key's string name.
func (k Key[T]) Name() string { return k.name }

// Keys carried through a verification attempt.
var (
	// KeyQuestion stores the profiled question.
	KeyQuestion = Key[Question]{"question"}

	// KeyEvidence stores the read-only evidence bundle.
	KeyEvidence = Key[EvidenceBundle]{"evidence"}

	// KeyReasonerOutput stores the reasoner's output for this attempt.
	KeyReasonerOutput = Key[ReasonerOutput]{"reasoner_output"}

	// KeyOriginalAnswer stores the reasoner's answer before any correction.
	KeyOriginalAnswer = Key[string]{"answer.original"}

	// KeyCurrentAnswer stores the single current candidate answer. An
	// accepted correction overwrites it.
	KeyCurrentAnswer = Key[string]{"answer.current"}

	// KeyStageResults stores every stage result of the attempt, in order.
	KeyStageResults = Key[[]StageResult]{"stage_results"}

	// KeyReextraction stores the latest targeted re-extraction suggestion.
	KeyReextraction = Key[ReextractionSuggestion]{"reextraction"}

	// KeyVote stores the aggregated consistency vote.
	KeyVote = Key[VoteResult]{"vote"}

	// KeyAttempt stores the 1-based attempt number.
	KeyAttempt = Key[int]{"execution.attempt"}

	// KeyExecutionID stores the attempt record identifier.
	KeyExecutionID = Key[string]{"execution.execution_id"}

	// KeyBudgetTokensUsed tracks oracle tokens consumed in the attempt.
	KeyBudgetTokensUsed = Key[int64]{"execution.budget.tokens_used"}

	// KeyBudgetCallsMade tracks oracle calls made in the attempt.
	KeyBudgetCallsMade = Key[int64]{"execution.budget.calls_made"}

	// KeyTraceLevel controls how much oracle output stages keep. "debug"
	// keeps each vote's reasoning.
	KeyTraceLevel = Key[string]{"execution.trace_level"}
)

// deepCopyValue copies slices, maps, pointers and exported struct fields so
// values read from or written to State never alias caller memory.
func deepCopyValue(value any) any {
	if value == nil {
		return nil
	}

	if val, ok := value.(time.Time); ok {
		return val
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return value
		}
		newSlice := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			newSlice.Index(i).Set(copiedValue(v.Index(i)))
		}
		return newSlice.Interface()

	case reflect.Map:
		if v.IsNil() {
			return value
		}
		newMap := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			newMap.SetMapIndex(copiedValue(iter.Key()), copiedValue(iter.Value()))
		}
		return newMap.Interface()

	case reflect.Ptr:
		if v.IsNil() {
			return value
		}
		newPtr := reflect.New(v.Elem().Type())
		newPtr.Elem().Set(copiedValue(v.Elem()))
		return newPtr.Interface()

	case reflect.Struct:
		newStruct := reflect.New(v.Type()).Elem()
		newStruct.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if newStruct.Field(i).CanSet() {
				newStruct.Field(i).Set(copiedValue(v.Field(i)))
			}
		}
		return newStruct.Interface()

	default:
		return value
	}
}

// copiedValue deep-copies a reflect.Value while preserving its static type,
// so nil interfaces and typed nils survive the round trip.
func copiedValue(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}
	if (v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr ||
		v.Kind() == reflect.Slice || v.Kind() == reflect.Map) && v.IsNil() {
		return reflect.Zero(v.Type())
	}
	out := reflect.ValueOf(deepCopyValue(v.Interface()))
	if out.Type() != v.Type() {
		converted := reflect.New(v.Type()).Elem()
		converted.Set(out)
		return converted
	}
	return out
}

// State is the immutable bag of values that flows through the stages of one
// verification attempt. Every write returns a new State.
type State struct {
	data map[string]any
}

// NewState creates an empty State.
func NewState() State {
	return State{data: make(map[string]any)}
}

// Get returns a deep copy of the value stored under key.
//
//	question, ok := Get(state, KeyQuestion)
func Get[T any](s State, key Key[T]) (T, bool) {
	var zero T
	value, exists := s.data[key.name]
	if !exists {
		return zero, false
	}
	val, ok := deepCopyValue(value).(T)
	return val, ok
}

// With returns a new State with key set to value.
//
//	next := With(state, KeyCurrentAnswer, "25%")
func With[T any](s State, key Key[T], value T) State {
	newData := maps.Clone(s.data)
	if newData == nil {
		newData = make(map[string]any)
	}
	newData[key.name] = deepCopyValue(value)
	return State{data: newData}
}

// WithMultiple applies several raw updates with a single clone.
func (s State) WithMultiple(updates map[string]any) State {
	newData := maps.Clone(s.data)
	if newData == nil {
		newData = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		newData[k] = deepCopyValue(v)
	}
	return State{data: newData}
}

// Keys returns the names of all stored values.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// String renders the State for debugging.
func (s State) String() string { return fmt.Sprintf("State%v", s.data) }

// NewAttemptState seeds a State for one reasoning attempt. The reasoner's
// answer becomes both the original and the current answer.
func NewAttemptState(
	executionID string,
	attempt int,
	q Question,
	evidence EvidenceBundle,
	out ReasonerOutput,
) State {
	return NewState().WithMultiple(map[string]any{
		KeyExecutionID.name:      executionID,
		KeyAttempt.name:          attempt,
		KeyQuestion.name:         q,
		KeyEvidence.name:         evidence,
		KeyReasonerOutput.name:   out,
		KeyOriginalAnswer.name:   out.Answer,
		KeyCurrentAnswer.name:    out.Answer,
		KeyStageResults.name:     []StageResult{},
		KeyBudgetTokensUsed.name: int64(0),
		KeyBudgetCallsMade.name:  int64(0),
	})
}

// CurrentAnswer returns the current candidate answer.
func (s State) CurrentAnswer() string {
	a, _ := Get(s, KeyCurrentAnswer)
	return a
}

// StageResults returns the stage results recorded so far.
func (s State) StageResults() []StageResult {
	r, _ := Get(s, KeyStageResults)
	return r
}

// AppendStageResult returns a new State with r appended to the stage results
// and, when r applied a correction, the current answer replaced.
func (s State) AppendStageResult(r StageResult) State {
	results := append(s.StageResults(), r)
	updates := map[string]any{KeyStageResults.name: results}
	if r.Result.CorrectionApplied && r.Result.CorrectedAnswer != "" {
		updates[KeyCurrentAnswer.name] = r.Result.CorrectedAnswer
	}
	return s.WithMultiple(updates)
}

// ApplyStageCorrection accepts a correction proposed by the most recent
// result of stage: the result is marked applied and answer becomes the
// current answer. It is a no-op when stage has not run or answer is empty.
func (s State) ApplyStageCorrection(stage, answer, correctionType string) State {
	results := s.StageResults()
	i := lastStageIndex(results, stage)
	if i < 0 || answer == "" {
		return s
	}
	results[i].Result.CorrectedAnswer = answer
	results[i].Result.CorrectionApplied = true
	if correctionType != "" {
		results[i].Result.CorrectionType = correctionType
	}
	return s.WithMultiple(map[string]any{
		KeyStageResults.name:  results,
		KeyCurrentAnswer.name: answer,
	})
}

// AddStageIssue appends issue to the most recent result of its stage. The
// result is marked not passed unless the issue is resolved.
func (s State) AddStageIssue(issue Issue) State {
	results := s.StageResults()
	i := lastStageIndex(results, issue.Stage)
	if i < 0 {
		return s
	}
	results[i].Result.Issues = append(results[i].Result.Issues, issue)
	if !issue.Resolved {
		results[i].Result.Passed = false
	}
	return With(s, KeyStageResults, results)
}

func lastStageIndex(results []StageResult, stage string) int {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Stage == stage {
			return i
		}
	}
	return -1
}

// Issues returns every issue recorded by the attempt's stages, in order.
func (s State) Issues() []Issue {
	var out []Issue
	for _, r := range s.StageResults() {
		out = append(out, r.Result.Issues...)
	}
	return out
}

// Usage is the oracle consumption recorded in a State.
type Usage struct {
	Tokens int64
	Calls  int64
}

// UpdateBudgetUsage returns a new State with usage incremented.
func (s State) UpdateBudgetUsage(tokensUsed, callsMade int64) State {
	currentTokens, _ := Get(s, KeyBudgetTokensUsed)
	currentCalls, _ := Get(s, KeyBudgetCallsMade)

	return s.WithMultiple(map[string]any{
		KeyBudgetTokensUsed.name: currentTokens + tokensUsed,
		KeyBudgetCallsMade.name:  currentCalls + callsMade,
	})
}

// GetBudgetUsage returns the oracle consumption recorded so far.
func (s State) GetBudgetUsage() Usage {
	tokens, _ := Get(s, KeyBudgetTokensUsed)
	calls, _ := Get(s, KeyBudgetCallsMade)
	return Usage{Tokens: tokens, Calls: calls}
}

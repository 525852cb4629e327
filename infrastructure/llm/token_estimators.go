package llm

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

// DefaultCharsPerToken is the usual English-text ratio.
const DefaultCharsPerToken = 4.0

var defaultEstimator TokenEstimator = NewCharacterEstimator(DefaultCharsPerToken)

// CharacterEstimator divides the byte length by a fixed ratio, rounding up.
type CharacterEstimator struct{ charsPerToken float64 }

// NewCharacterEstimator uses DefaultCharsPerToken for non-positive ratios.
func NewCharacterEstimator(charsPerToken float64) *CharacterEstimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &CharacterEstimator{charsPerToken: charsPerToken}
}

func (e *CharacterEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / e.charsPerToken))
}

// WordEstimator multiplies the whitespace-separated word count by a ratio.
type WordEstimator struct{ tokensPerWord float64 }

// NewWordEstimator uses 1.3 tokens per word for non-positive ratios.
func NewWordEstimator(tokensPerWord float64) *WordEstimator {
	if tokensPerWord <= 0 {
		tokensPerWord = 1.3
	}
	return &WordEstimator{tokensPerWord: tokensPerWord}
}

func (e *WordEstimator) EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * e.tokensPerWord)
}

// FinancialEstimator is tuned for filings: tokenizers split numbers into
// groups of at most three digits, and separators, currency signs and
// table pipes are tokens of their own. Words cost one token per four
// letters, with a minimum of one.
type FinancialEstimator struct{}

func (FinancialEstimator) EstimateTokens(text string) int {
	var tokens, letters, digits int
	flushWord := func() {
		if letters > 0 {
			tokens += (letters + 3) / 4
			letters = 0
		}
	}
	flushNumber := func() {
		if digits > 0 {
			tokens += (digits + 2) / 3
			digits = 0
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			flushNumber()
			letters++
		case unicode.IsDigit(r):
			flushWord()
			digits++
		case unicode.IsSpace(r):
			flushWord()
			flushNumber()
		default:
			flushWord()
			flushNumber()
			tokens++
		}
	}
	flushWord()
	flushNumber()
	return tokens
}

// CachingEstimator memoizes another estimator. When full it evicts the
// oldest entry. Safe for concurrent use.
type CachingEstimator struct {
	inner   TokenEstimator
	maxSize int

	mu    sync.Mutex
	cache map[string]int
	order []string
}

// NewCachingEstimator holds up to maxSize entries; non-positive means 1024.
func NewCachingEstimator(inner TokenEstimator, maxSize int) *CachingEstimator {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &CachingEstimator{inner: inner, maxSize: maxSize, cache: make(map[string]int, maxSize)}
}

func (e *CachingEstimator) EstimateTokens(text string) int {
	e.mu.Lock()
	if n, ok := e.cache[text]; ok {
		e.mu.Unlock()
		return n
	}
	e.mu.Unlock()

	n := e.inner.EstimateTokens(text)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache[text]; ok {
		return n
	}
	if len(e.order) >= e.maxSize {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.cache, oldest)
	}
	e.cache[text] = n
	e.order = append(e.order, text)
	return n
}

// Len returns the number of cached entries.
func (e *CachingEstimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Reset drops every cached entry.
func (e *CachingEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.cache)
	e.order = e.order[:0]
}

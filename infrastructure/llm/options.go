package llm

import (
	"cmp"
	"fmt"
	"math"
	"net/url"
	"time"
)

// Parameter ranges shared by the providers. Each provider clamps further
// to what its API accepts.
const (
	DefaultMaxTokens = 1024

	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinTopP        = 0.0
	MaxTopP        = 1.0
	MinPenalty     = -2.0
	MaxPenalty     = 2.0

	MinTimeout = time.Second
	MaxTimeout = 10 * time.Minute
)

// Option keys understood by ParseRequestOptions. Anything else lands in
// RequestOptions.Extra.
const (
	OptModel          = "model"
	OptMaxTokens      = "max_tokens"
	OptTemperature    = "temperature"
	OptTopP           = "top_p"
	OptSystem         = "system"
	OptResponseFormat = "response_format"
	OptStage          = "stage"
)

// RequestOptions is the provider-neutral form of a request's option map.
type RequestOptions struct {
	Model     string
	MaxTokens int
	// Temperature and TopP are nil when the provider default applies.
	Temperature *float64
	TopP        *float64
	System      string
	// JSON asks for a single JSON object in the response.
	JSON bool
	// Stage names the verification stage that issued the call. It labels
	// metrics and spans and is never sent to the provider.
	Stage string
	Extra map[string]any
}

// ParseRequestOptions normalizes opts. Missing or invalid values fall back
// to defaults instead of failing the call.
func ParseRequestOptions(opts map[string]any, defaultModel string) RequestOptions {
	ro := RequestOptions{
		Model:     optional(opts, OptModel, defaultModel, nonEmpty),
		MaxTokens: optionalInt(opts, OptMaxTokens, DefaultMaxTokens),
		System:    optional(opts, OptSystem, "", nil),
		Stage:     optional(opts, OptStage, "", nil),
		JSON:      wantsJSON(opts[OptResponseFormat]),
		Extra:     map[string]any{},
	}
	if v, ok := optionalFloat(opts, OptTemperature, MinTemperature, MaxTemperature); ok {
		ro.Temperature = &v
	}
	if v, ok := optionalFloat(opts, OptTopP, MinTopP, MaxTopP); ok {
		ro.TopP = &v
	}

	for k, v := range opts {
		switch k {
		case OptModel, OptMaxTokens, OptTemperature, OptTopP, OptSystem, OptResponseFormat, OptStage:
		default:
			ro.Extra[k] = v
		}
	}
	return ro
}

func nonEmpty(s string) bool { return s != "" }

// optional returns opts[key] when it has type T and passes valid.
func optional[T any](opts map[string]any, key string, def T, valid func(T) bool) T {
	v, ok := opts[key].(T)
	if !ok || (valid != nil && !valid(v)) {
		return def
	}
	return v
}

func optionalInt(opts map[string]any, key string, def int) int {
	n, ok := toInt(opts[key])
	if !ok || n <= 0 {
		return def
	}
	return n
}

func optionalFloat(opts map[string]any, key string, lo, hi float64) (float64, bool) {
	f, ok := toFloat(opts[key])
	if !ok || f < lo || f > hi {
		return 0, false
	}
	return f, true
}

// wantsJSON accepts {"type":"json_object"} in either map form, or the
// shorthand "json".
func wantsJSON(v any) bool {
	switch f := v.(type) {
	case string:
		return f == "json" || f == "json_object"
	case map[string]string:
		return f["type"] == "json_object"
	case map[string]any:
		return f["type"] == "json_object"
	default:
		return false
	}
}

// toFloat converts the numeric types that show up after YAML or JSON
// decoding.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if math.IsNaN(n) || n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func clamp[T cmp.Ordered](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

// ValidateBaseURL checks that raw is an absolute http(s) URL. An empty
// string is valid and selects the provider default.
func ValidateBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", raw)
	}
	return u.String(), nil
}

// ValidateTimeout clamps d into [MinTimeout, MaxTimeout]. Non-positive
// values return zero, meaning no client-level timeout.
func ValidateTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return clamp(d, MinTimeout, MaxTimeout)
}

package units

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ahrav/go-fincheck/internal/ports"
)

// parseJSONResponse extracts the first JSON object from an oracle response,
// decodes it into T and validates it.
func parseJSONResponse[T any](response string) (T, error) {
	var out T
	raw := extractJSON(response)
	if raw == "" {
		return out, fmt.Errorf("no JSON object in response (len: %d): %w", len(response), ports.ErrInvalidResponse)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decode response (len: %d): %v: %w", len(raw), err, ports.ErrInvalidResponse)
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("invalid response structure: %v: %w", err, ports.ErrInvalidResponse)
	}
	return out, nil
}

// DecodeOracleJSON decodes and validates the first JSON object in an oracle
// response. Failures wrap ports.ErrInvalidResponse.
func DecodeOracleJSON[T any](response string) (T, error) {
	return parseJSONResponse[T](response)
}

// extractJSON returns the first JSON object in response. It prefers a
// ```json fence, then any fence whose body opens with a brace, then the
// first balanced top-level object in the raw text.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if body, ok := fencedBlock(response, "```json"); ok {
		return body
	}
	if body, ok := fencedBlock(response, "```"); ok && strings.HasPrefix(body, "{") {
		return body
	}
	return balancedObject(response)
}

func fencedBlock(s, opener string) (string, bool) {
	start := strings.Index(s, opener)
	if start < 0 {
		return "", false
	}
	start += len(opener)
	if nl := strings.IndexByte(s[start:], '\n'); nl >= 0 && opener == "```" {
		start += nl + 1
	}
	end := strings.Index(s[start:], "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(s[start : start+end]), true
}

func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

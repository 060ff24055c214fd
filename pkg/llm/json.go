package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// thinkTagPattern matches reasoning blocks some models emit before the answer.
	thinkTagPattern = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)
	// fencePattern matches a markdown code fence and captures its language tag and body.
	fencePattern = regexp.MustCompile("(?s)```([A-Za-z]*)[ \t]*\n(.*?)```")
)

// ExtractJSON returns the first valid JSON object or array in a model reply,
// skipping leading <think> blocks, markdown fences and surrounding prose.
func ExtractJSON(response string) (string, error) {
	cleaned := thinkTagPattern.ReplaceAllString(response, "")

	objStart := strings.IndexByte(cleaned, '{')
	arrStart := strings.IndexByte(cleaned, '[')

	if objStart >= 0 && (arrStart < 0 || objStart < arrStart) {
		if s, ok := extractBalanced(cleaned, '{', '}'); ok && json.Valid([]byte(s)) {
			return s, nil
		}
	}
	if arrStart >= 0 {
		if s, ok := extractBalanced(cleaned, '[', ']'); ok && json.Valid([]byte(s)) {
			return s, nil
		}
	}

	trimmed := strings.TrimSpace(cleaned)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	return "", fmt.Errorf("no valid JSON found in response")
}

// extractBalanced returns the first balanced open...close span, ignoring
// brackets inside string literals.
func extractBalanced(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return "", false
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
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// ParseJSONResponse extracts JSON from a response and unmarshals it into T.
func ParseJSONResponse[T any](response string) (T, error) {
	var result T

	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return result, nil
}

// fencedQuery returns the first sql fence of a reply together with the prose
// around it. Models that ignore the JSON instruction usually answer this way.
func fencedQuery(reply string) (query, prose string, ok bool) {
	cleaned := thinkTagPattern.ReplaceAllString(reply, "")
	for _, m := range fencePattern.FindAllStringSubmatchIndex(cleaned, -1) {
		lang := strings.ToLower(cleaned[m[2]:m[3]])
		if lang != "sql" && lang != "" {
			continue
		}
		body := strings.TrimSpace(cleaned[m[4]:m[5]])
		if body == "" || json.Valid([]byte(body)) {
			continue
		}
		prose = strings.TrimSpace(cleaned[:m[0]] + " " + cleaned[m[1]:])
		return body, strings.Join(strings.Fields(prose), " "), true
	}
	return "", "", false
}

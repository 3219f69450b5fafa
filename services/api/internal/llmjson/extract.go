// Package llmjson extracts structured JSON from model text, which often
// arrives wrapped in prose or markdown fences.
package llmjson

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ParseMethod indicates how the JSON was recovered.
type ParseMethod string

const (
	ParseMethodDirect    ParseMethod = "direct"
	ParseMethodExtracted ParseMethod = "extracted"
	ParseMethodLenient   ParseMethod = "lenient"
	ParseMethodFailed    ParseMethod = "failed"
)

// Result carries the parsed value and how it was obtained.
type Result[T any] struct {
	Value   T
	Method  ParseMethod
	Warning string
	Raw     string
}

// ExtractJSON parses JSON out of a model response, trying in order: direct
// unmarshal, markdown code fences, the first balanced object or array, and
// finally lenient recovery of common model mistakes.
func ExtractJSON[T any](raw string) (*Result[T], error) {
	var out T
	result := &Result[T]{Raw: raw}

	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		result.Value = out
		result.Method = ParseMethodDirect
		return result, nil
	}

	if snippet := fromCodeFence(raw); snippet != "" {
		if err := json.Unmarshal([]byte(snippet), &out); err == nil {
			result.Value = out
			result.Method = ParseMethodExtracted
			result.Warning = "JSON was extracted from a markdown code fence"
			return result, nil
		}
	}

	if snippet := balancedSegment(raw); snippet != "" {
		if err := json.Unmarshal([]byte(snippet), &out); err == nil {
			result.Value = out
			result.Method = ParseMethodExtracted
			result.Warning = "JSON was extracted from surrounding text"
			return result, nil
		}
	}

	if fixed := repair(raw); fixed != "" {
		if err := json.Unmarshal([]byte(fixed), &out); err == nil {
			result.Value = out
			result.Method = ParseMethodLenient
			result.Warning = "JSON required error recovery"
			return result, nil
		}
	}

	result.Method = ParseMethodFailed
	return nil, fmt.Errorf("no valid JSON found in model response")
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

func fromCodeFence(raw string) string {
	matches := codeFenceRe.FindStringSubmatch(raw)
	if len(matches) >= 2 {
		return strings.TrimSpace(matches[1])
	}
	return ""
}

// balancedSegment returns the first complete JSON object or array in raw,
// tracking string literals and escapes so braces in values do not confuse
// the depth count.
func balancedSegment(raw string) string {
	start := strings.IndexAny(raw, "{[")
	if start == -1 {
		return ""
	}

	open, closing := byte('{'), byte('}')
	if raw[start] == '[' {
		open, closing = '[', ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`(?m)^\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
	lineCommentRe   = regexp.MustCompile(`(?m)//.*$`)
	blockCommentRe  = regexp.MustCompile(`/\*.*?\*/`)
)

// recover_ fixes the failure modes models actually produce: trailing
// commas, single quotes, unquoted keys, JavaScript comments.
func repair(raw string) string {
	snippet := balancedSegment(raw)
	if snippet == "" {
		snippet = raw
	}

	snippet = trailingCommaRe.ReplaceAllString(snippet, "$1")
	if !strings.Contains(snippet, `"`) && strings.Contains(snippet, `'`) {
		snippet = strings.ReplaceAll(snippet, `'`, `"`)
	}
	snippet = unquotedKeyRe.ReplaceAllString(snippet, `"$1":`)
	snippet = lineCommentRe.ReplaceAllString(snippet, "")
	snippet = blockCommentRe.ReplaceAllString(snippet, "")

	return strings.TrimSpace(snippet)
}

// IsValidJSON reports whether s parses as JSON.
func IsValidJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

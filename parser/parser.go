// Package parser extracts, repairs and validates the vision model's JSON
// analysis. Model output is occasionally cut off at a token limit;
// best-effort repair salvages partial results instead of discarding an
// expensive model call, and the validation gate after repair keeps corrupt
// data out of the cache.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"physique-analyze-pipeline/models"
)

// ParseAnalysis parses the raw model response into a validated
// AnalysisResult. It fails only when the text is irrecoverably malformed or
// the repaired object violates the schema.
func ParseAnalysis(response string) (*models.AnalysisResult, error) {
	cleaned := strings.TrimSpace(response)
	candidate := ExtractJSONFromMarkdown(cleaned)

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		repaired := RepairTruncatedJSON(candidate)
		if err2 := json.Unmarshal([]byte(repaired), &result); err2 != nil {
			truncated := truncateToLastComplete(repaired)
			if truncated == "" {
				return nil, fmt.Errorf("response is not valid JSON: %w", err)
			}
			if err3 := json.Unmarshal([]byte(truncated), &result); err3 != nil {
				return nil, fmt.Errorf("response is not valid JSON: %w", err)
			}
		}
	}

	if err := validate(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExtractJSONFromMarkdown pulls the JSON payload out of a free-form model
// response: the first fenced code block if present, otherwise the first
// '{' through the last '}'.
func ExtractJSONFromMarkdown(response string) string {
	const marker = "```"

	startIdx := strings.Index(response, marker)
	if startIdx == -1 {
		braceStart := strings.Index(response, "{")
		if braceStart == -1 {
			return response
		}
		tail := strings.TrimSpace(response[braceStart:])
		if !balanced(tail) {
			// Truncated mid-object. Slicing at the last '}' here would cut
			// at the close of some inner section and discard the partial
			// tail, so hand everything to the repair pass instead.
			return tail
		}
		braceEnd := strings.LastIndex(response, "}")
		if braceEnd == -1 || braceEnd < braceStart {
			return tail
		}
		return strings.TrimSpace(response[braceStart : braceEnd+1])
	}

	endIdx := strings.Index(response[startIdx+len(marker):], marker)
	if endIdx == -1 {
		// Unterminated fence, also a truncation artifact.
		content := response[startIdx+len(marker):]
		return strings.TrimSpace(stripLanguageTag(content))
	}
	endIdx += startIdx + len(marker)

	content := response[startIdx+len(marker) : endIdx]
	return strings.TrimSpace(stripLanguageTag(content))
}

// balanced reports whether every brace and bracket opened in s is closed
// again, ignoring characters inside string values.
func balanced(s string) bool {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

func stripLanguageTag(content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 && (strings.TrimSpace(lines[0]) == "json" || strings.TrimSpace(lines[0]) == "") {
		return strings.Join(lines[1:], "\n")
	}
	return content
}

// RepairTruncatedJSON closes unmatched braces/brackets and strips trailing
// commas so a document cut off mid-structure parses again. The walk is
// string- and escape-aware, so braces inside string values are ignored.
func RepairTruncatedJSON(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, ch)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		// A dangling escape at the very end would swallow our closing quote.
		if strings.HasSuffix(s, "\\") {
			s = s[:len(s)-1]
		}
		s += `"`
	}

	s = stripTrailingCommas(s)

	// Drop a trailing comma left hanging at the cut point before closing.
	trimmed := strings.TrimRight(s, " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		s = strings.TrimRight(trimmed[:len(trimmed)-1], " \t\r\n")
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}

// stripTrailingCommas removes commas that directly precede a closing brace
// or bracket, outside of strings.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		if inString {
			if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			b.WriteByte(ch)
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// truncateToLastComplete returns the prefix of s ending at the last point
// where every opened brace/bracket had been closed, or "" if no complete
// top-level object exists.
func truncateToLastComplete(s string) string {
	depth := 0
	inString := false
	escaped := false
	opened := false
	last := -1
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
			opened = true
		case '}', ']':
			depth--
			if depth == 0 && opened {
				last = i
			}
		}
	}
	if last == -1 {
		return ""
	}
	return s[:last+1]
}

// validate enforces the analysis schema: all four sections present, at least
// one muscle scored, and every score within [1,10].
func validate(r *models.AnalysisResult) error {
	if r.Metadata == nil {
		return errors.New("missing required field: metadata")
	}
	if len(r.MuscleScores) == 0 {
		return errors.New("missing required field: muscleScores (must be a non-empty array)")
	}
	if r.OverallAssessment == nil {
		return errors.New("missing required field: overallAssessment")
	}
	if r.Recommendations == nil {
		return errors.New("missing required field: recommendations")
	}
	for i, m := range r.MuscleScores {
		if m.Name == "" {
			return fmt.Errorf("muscleScores[%d]: missing name", i)
		}
		if m.Score < 1 || m.Score > 10 {
			return fmt.Errorf("muscleScores[%d] (%s): score %v out of range [1,10]", i, m.Name, m.Score)
		}
	}
	return nil
}

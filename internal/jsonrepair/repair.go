// Package jsonrepair normalizes free-form model output into a decodable
// JSON object substring. Models routinely wrap JSON in markdown fences,
// surround it with prose, or embed literal newlines inside string values;
// this package strips all of that before structured decoding.
package jsonrepair

import "strings"

// Repair returns a best-effort JSON-object substring extracted from raw.
// If no brace pair can be located the (trimmed) input is returned as-is
// and the caller's decode will fail normally.
func Repair(raw string) string {
	s := strings.TrimSpace(raw)

	// Fenced output: slice between the first '{' and the last '}' so the
	// fence markers and any language tag fall away.
	if strings.HasPrefix(s, "```") {
		if start := strings.Index(s, "{"); start != -1 {
			if end := strings.LastIndex(s, "}"); end > start {
				s = s[start : end+1]
			}
		}
	}

	// Stray fence markers can survive when the model closes a fence it
	// never opened (or vice versa).
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")

	// Re-slice to drop leading/trailing prose outside the object.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return strings.TrimSpace(s)
	}
	s = s[start : end+1]

	return escapeNewlinesInStrings(s)
}

// escapeNewlinesInStrings replaces raw newline and carriage-return
// characters that occur inside quoted JSON strings with their escaped
// two-character forms. Raw newlines inside string values are invalid JSON
// but common in model output.
func escapeNewlinesInStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
			b.WriteRune(r)
		case '"':
			inString = !inString
			b.WriteRune(r)
		case '\n':
			if inString {
				b.WriteString(`\n`)
			} else {
				b.WriteRune(r)
			}
		case '\r':
			if inString {
				b.WriteString(`\r`)
			} else {
				b.WriteRune(r)
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

package util

import "strings"

// ContainsString reports whether slice contains item.
func ContainsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// WordCount counts whitespace-separated words in s.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// TruncateString truncates s to maxLen and appends "..." if truncated (UTF-8 safe).
// If preserveWords is true, truncates at the last space before maxLen when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	// Reserve space for ellipsis
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		if idx := lastSpaceBeforeRune(s, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

// lastSpaceBeforeRune finds the last space before pos (in rune count, UTF-8 safe)
func lastSpaceBeforeRune(s string, pos int) int {
	runes := []rune(s)
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}

// Package stringutil provides common string utility functions.
package stringutil

import "strings"

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
// If the string is longer, it returns the first (maxLen-3) characters followed by "...".
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Preview collapses a multi-line string into a single-line preview suitable
// for log fields. Newlines become spaces and the result is truncated.
func Preview(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	return TruncateStringWithEllipsis(s, maxLen)
}

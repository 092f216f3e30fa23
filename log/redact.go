package log

import "strings"

// RedactString keeps a short prefix of a secret so log lines can still be correlated.
func RedactString(s string) string {
	const keep = 6
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + strings.Repeat("*", min(len(s)-keep, 16))
}

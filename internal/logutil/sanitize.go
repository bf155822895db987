package logutil

import "strings"

// SanitizeForLog strips control characters from user-provided strings
// (usernames, session ids, file paths) before they reach a log line, so a
// crafted value cannot inject fake log entries.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

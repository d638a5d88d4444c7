package sanitizer

import (
	"regexp"
	"strings"
)

var logCtrl = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// ForLog removes control characters and newlines from user content before
// logging.
func ForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return logCtrl.ReplaceAllString(s, " ")
}

// Truncate caps s at n bytes for log output.
func Truncate(s string, n int) string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

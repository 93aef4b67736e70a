package agent

import (
	"regexp"
	"strings"
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+instructions?`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|above|prior)\s+instructions?`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|above|prior)\s+instructions?`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+`),
	regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+are\s+)?`),
	regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s+`),
	regexp.MustCompile(`(?i)system\s*:\s*`),
	regexp.MustCompile(`(?i)assistant\s*:\s*`),
	regexp.MustCompile(`(?i)user\s*:\s*`),
}

// Sanitize strips phrases that try to override the system prompt.
func Sanitize(s string) string {
	for _, p := range injectionPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

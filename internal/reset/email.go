package reset

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	emailCandidate = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	validate       = validator.New()
)

// ExtractEmail returns the first valid email address in text, or "".
func ExtractEmail(text string) string {
	for _, c := range emailCandidate.FindAllString(text, -1) {
		c = strings.TrimRight(c, ".")
		if ValidEmail(c) {
			return c
		}
	}
	return ""
}

// ValidEmail reports whether s is a syntactically valid address.
func ValidEmail(s string) bool {
	return validate.Var(s, "required,email") == nil
}

package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretPattern = regexp.MustCompile(`\b(?:sk|pk|ghp|gho|xox[abp])[-_][A-Za-z0-9_\-]{16,}\b`)
)

// RedactPII masks common high-risk PII patterns and credential-looking tokens.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		re   *regexp.Regexp
		mark string
	}{
		{secretPattern, "[REDACTED_SECRET]"},
		{emailPattern, "[REDACTED_EMAIL]"},
		// Cards before phones, the phone pattern also matches card numbers.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mark)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// LogPreview returns a redacted single-line prefix of s for log lines.
func LogPreview(s string, max int) string {
	out, _ := RedactPII(strings.Join(strings.Fields(s), " "))
	if max <= 0 {
		return out
	}
	r := []rune(out)
	if len(r) <= max {
		return out
	}
	return string(r[:max]) + "..."
}

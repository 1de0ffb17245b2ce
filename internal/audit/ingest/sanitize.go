package ingest

import (
	"regexp"
)

// Redacted replaces sensitive substrings in detail values.
const Redacted = "[REDACTED]"

var (
	ssnDashed = regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)
	ssnBare   = regexp.MustCompile(`\b[0-9]{9}\b`)
	// 13-19 digits, optionally grouped by spaces or dashes; Luhn decides.
	cardNumber = regexp.MustCompile(`\b[0-9](?:[ -]?[0-9]){12,18}\b`)

	credentialPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret|api[_-]?key|token)\s*[:=]\s*\S+`),
		regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.=]{8,}`),
		regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	}
)

// Sanitize returns a copy of details with sensitive substrings replaced and
// the number of replacements made. The input map is never modified.
func Sanitize(details map[string]string) (map[string]string, int) {
	if details == nil {
		return nil, 0
	}
	out := make(map[string]string, len(details))
	total := 0
	for k, v := range details {
		clean, n := sanitizeValue(v)
		out[k] = clean
		total += n
	}
	return out, total
}

func sanitizeValue(v string) (string, int) {
	count := 0
	replace := func(re *regexp.Regexp, keep func(string) bool) {
		v = re.ReplaceAllStringFunc(v, func(m string) string {
			if keep != nil && keep(m) {
				return m
			}
			count++
			return Redacted
		})
	}
	for _, re := range credentialPatterns {
		replace(re, nil)
	}
	// Every SSN-shaped value is redacted, including unissued ranges and
	// ITINs (9xx area).
	replace(ssnDashed, nil)
	replace(cardNumber, func(m string) bool { return !luhn(m) })
	replace(ssnBare, nil)
	return v, count
}

func luhn(s string) bool {
	sum, n := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && sum%10 == 0
}

package registry

import (
	"fmt"
	"regexp"
)

// Content rules for argument scanning. Tool arguments should never smuggle
// personal identifiers or shell/SQL fragments to a downstream executor;
// registered profiles opt in per concern, unregistered tools get both as a
// safety net.
type argRule struct {
	label string
	re    *regexp.Regexp
}

var piiRules = []argRule{
	{"social security number", regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`)},
	{"payment card number", regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2})(?:[-\s]?\d{4}){3}\b`)},
	{"email address", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{"phone number", regexp.MustCompile(`\b\d{3}[-\s.]\d{3}[-\s.]\d{4}\b`)},
}

var injectionRules = []argRule{
	{"sql statement", regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|alter|union)\b.+\b(from|into|table|set|where|all)\b`)},
	{"chained shell command", regexp.MustCompile(`(?i)(;|\|\||&&|\|)\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|exec)\b`)},
	{"command substitution", regexp.MustCompile(`\$\([^)]*\)`)},
	{"backtick execution", regexp.MustCompile("`[^`]*`")},
}

// scanArgs checks the serialized arguments against the enabled rule sets.
// The first hit rejects; the label names what was found, not its value.
func scanArgs(raw string, pii, injection bool) error {
	if pii {
		for _, r := range piiRules {
			if r.re.MatchString(raw) {
				return fmt.Errorf("%s in arguments", r.label)
			}
		}
	}
	if injection {
		for _, r := range injectionRules {
			if r.re.MatchString(raw) {
				return fmt.Errorf("%s in arguments", r.label)
			}
		}
	}
	return nil
}

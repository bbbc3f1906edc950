package model

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	genericNameRe = regexp.MustCompile(`(?i)^(?:reserved|reservation|booked|booking|guest|guests|unknown|blocked|block|not available|unavailable|n/?a|none|closed|closed period|hold|on hold|owner|owner stay|owner block|maintenance|tentative|airbnb|vrbo|homeaway|expedia|booking\.com)$`)

	// Provider blocks usually wrap a keyword in extra text, e.g.
	// "Airbnb (Not available)" or "CLOSED - Not available".
	genericFragmentRe = regexp.MustCompile(`(?i)\b(?:not available|closed period|blocked|unavailable)\b`)

	maskedNameRe  = regexp.MustCompile(`[*•…]|(?i)\bxxx+\b|\(hidden\)`)
	initialOnlyRe = regexp.MustCompile(`^\p{Lu}\.?$`)
)

// IsGenericName reports whether a label is a platform placeholder rather
// than a person. The empty string counts as generic.
func IsGenericName(name string) bool {
	n := strings.TrimSpace(name)
	if n == "" {
		return true
	}
	n = strings.Trim(n, " -:()[]")
	return genericNameRe.MatchString(n) || genericFragmentRe.MatchString(name)
}

// IsMaskedName reports whether a label is a partially hidden name such as
// "J*** D." or a lone initial.
func IsMaskedName(name string) bool {
	n := strings.TrimSpace(name)
	if n == "" {
		return false
	}
	return maskedNameRe.MatchString(n) || initialOnlyRe.MatchString(n)
}

// IsPlaceholderName is IsGenericName or IsMaskedName.
func IsPlaceholderName(name string) bool {
	return IsGenericName(name) || IsMaskedName(name)
}

// IsRealName is the negation of IsPlaceholderName.
func IsRealName(name string) bool {
	return !IsPlaceholderName(name)
}

// SplitName returns the first name and the upper-cased initial of the last
// name. Single-word names have no initial.
func SplitName(name string) (first, lastInitial string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", ""
	}
	first = fields[0]
	if len(fields) > 1 {
		for _, r := range fields[len(fields)-1] {
			if unicode.IsLetter(r) {
				lastInitial = string(unicode.ToUpper(r))
				break
			}
		}
	}
	return first, lastInitial
}

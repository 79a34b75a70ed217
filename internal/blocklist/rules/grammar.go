// Package rules filters line-oriented blocklist text into the canonical
// domain-block grammar and the stricter allow-override grammar.
package rules

import (
	"strings"
	"unicode"
)

const (
	// RulePrefix and RuleSuffix delimit a canonical network rule,
	// "||example.com^".
	RulePrefix = "||"
	RuleSuffix = "^"

	// AllowPrefix marks an allow override, "@@||example.com^".
	AllowPrefix = "@@"

	// ImportantSuffix is the optional importance flag on an allow override.
	ImportantSuffix = "$important"

	// maxDomainLength bounds the domain portion of a canonical rule.
	maxDomainLength = 253

	// maxLabelLength bounds each dot-separated label.
	maxLabelLength = 63
)

// IsCanonicalRule reports whether s is exactly "||<domain>^" with a valid
// rule domain and nothing else: no paths, ports, modifiers, or alternate
// syntaxes.
func IsCanonicalRule(s string) bool {
	if !strings.HasPrefix(s, RulePrefix) || !strings.HasSuffix(s, RuleSuffix) {
		return false
	}
	domain := s[len(RulePrefix) : len(s)-len(RuleSuffix)]
	return isValidRuleDomain(domain)
}

// IsAllowRule reports whether s matches the allow-override grammar: the
// negation marker, a canonical rule, and an optional importance flag.
func IsAllowRule(s string) bool {
	if !strings.HasPrefix(s, AllowPrefix) {
		return false
	}
	body := strings.TrimPrefix(s, AllowPrefix)
	body = strings.TrimSuffix(body, ImportantSuffix)
	return IsCanonicalRule(body)
}

// DomainOf extracts the domain from a canonical rule. The second return is
// false when the string is not canonical.
func DomainOf(rule string) (string, bool) {
	if !IsCanonicalRule(rule) {
		return "", false
	}
	return rule[len(RulePrefix) : len(rule)-len(RuleSuffix)], true
}

// isValidRuleDomain checks the domain portion of a canonical rule:
//   - total length at most 253 characters
//   - one or more labels separated by dots
//   - each label 1 to 63 characters of alphanumerics and hyphens
//   - the first and last character of each label alphanumeric
func isValidRuleDomain(name string) bool {
	if name == "" || len(name) > maxDomainLength {
		return false
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > maxLabelLength {
			return false
		}
		runes := []rune(label)
		if !isAlphaNumeric(runes[0]) || !isAlphaNumeric(runes[len(runes)-1]) {
			return false
		}
		for _, r := range runes {
			if !isAlphaNumeric(r) && r != '-' {
				return false
			}
		}
	}
	return true
}

// isAlphaNumeric reports whether the given rune is a letter or digit.
func isAlphaNumeric(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

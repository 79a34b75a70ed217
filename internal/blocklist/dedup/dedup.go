// Package dedup cross-checks deny override entries against the normalized
// network-rule set. Each entry is probed under four equivalence forms so that
// a user-written "example.com" is recognized as a duplicate of the canonical
// "||example.com^".
package dedup

import (
	"strings"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/rules"
)

// Form identifies which equivalence transform matched a deny entry to a
// network rule.
type Form uint8

const (
	// FormExact matched the entry verbatim.
	FormExact Form = iota
	// FormPrefixed matched after prepending the rule prefix.
	FormPrefixed
	// FormSuffixed matched after appending the rule suffix.
	FormSuffixed
	// FormBoth matched after applying both transforms.
	FormBoth
)

func (f Form) String() string {
	switch f {
	case FormExact:
		return "exact"
	case FormPrefixed:
		return "prefixed"
	case FormSuffixed:
		return "suffixed"
	case FormBoth:
		return "prefixed+suffixed"
	default:
		return "unknown"
	}
}

// Finding reports one deny entry that denotes the same rule as a member of
// the network set.
type Finding struct {
	// Entry is the deny override as supplied.
	Entry string
	// Matched is the network rule the entry collides with.
	Matched string
	// Form is the equivalence transform under which the match occurred.
	Form Form
}

// RuleSet answers exact membership probes against the normalized network set.
type RuleSet interface {
	HasRule(rule string) bool
}

// Detect probes every deny entry against the rule set and returns the
// findings in input order. Each entry is reduced to a base token (trailing
// comment and surrounding whitespace stripped) and tested under the four
// forms in fixed order; the first matching form wins, so an entry yields at
// most one finding. Inputs are never mutated.
func Detect(denyEntries []string, set RuleSet) []Finding {
	var findings []Finding
	for _, entry := range denyEntries {
		token := baseToken(entry)
		if token == "" {
			continue
		}
		if matched, form, ok := probe(token, set); ok {
			findings = append(findings, Finding{Entry: entry, Matched: matched, Form: form})
		}
	}
	return findings
}

// baseToken strips a trailing comment and surrounding whitespace.
func baseToken(entry string) string {
	if i := strings.IndexByte(entry, '#'); i >= 0 {
		entry = entry[:i]
	}
	return strings.TrimSpace(entry)
}

func probe(token string, set RuleSet) (string, Form, bool) {
	if set.HasRule(token) {
		return token, FormExact, true
	}
	prefixed := strings.HasPrefix(token, rules.RulePrefix)
	suffixed := strings.HasSuffix(token, rules.RuleSuffix)
	if !prefixed {
		if candidate := rules.RulePrefix + token; set.HasRule(candidate) {
			return candidate, FormPrefixed, true
		}
	}
	if !suffixed {
		if candidate := token + rules.RuleSuffix; set.HasRule(candidate) {
			return candidate, FormSuffixed, true
		}
	}
	if !prefixed && !suffixed {
		if candidate := rules.RulePrefix + token + rules.RuleSuffix; set.HasRule(candidate) {
			return candidate, FormBoth, true
		}
	}
	return "", 0, false
}

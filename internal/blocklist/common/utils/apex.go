package utils

import "golang.org/x/net/publicsuffix"

// ApexDomain returns the registrable apex (effective TLD plus one) for the
// name. ok is false when no apex can be derived, which includes names that
// are themselves public suffixes; callers use that to bound parent walks so
// a bare public suffix is never treated as a blockable domain.
func ApexDomain(name string) (string, bool) {
	apex, err := publicsuffix.EffectiveTLDPlusOne(CanonicalHostName(name))
	if err != nil {
		return "", false
	}
	return apex, true
}

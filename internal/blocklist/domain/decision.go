package domain

// Decision represents the outcome of evaluating a domain name against the
// assembled rule set. Pure value type, no external dependencies.
type Decision struct {
	Blocked     bool   // true if the name is covered by any rule
	MatchedRule string // canonical rule that matched, e.g. "||ads.example.com^"
}

// IsBlocked is a convenience accessor.
func (d Decision) IsBlocked() bool { return d.Blocked }

// EmptyDecision returns a not-blocked decision.
func EmptyDecision() Decision { return Decision{Blocked: false} }

package ruleindex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustIndex(t *testing.T, ruleset []string) *Index {
	t.Helper()
	idx, err := New(ruleset, 128, 0.01)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return idx
}

func TestNew_SkipsNonCanonical(t *testing.T) {
	idx := mustIndex(t, []string{
		"||ads.example.com^",
		"doubleclick.net",
		"@@||good.example.com^",
		"! comment",
		"",
	})
	if idx.Len() != 1 {
		t.Fatalf("Len = %d, want 1", idx.Len())
	}
}

func TestIndex_HasRule(t *testing.T) {
	idx := mustIndex(t, []string{"||ads.example.com^", "||tracker.example.net^"})

	cases := []struct {
		probe    string
		expected bool
	}{
		{"||ads.example.com^", true},
		{"||tracker.example.net^", true},
		{"||absent.example.org^", false},
		// Probes outside the canonical grammar can never be indexed.
		{"ads.example.com", false},
		{"||ads.example.com", false},
		{"ads.example.com^", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := idx.HasRule(tc.probe); got != tc.expected {
			t.Errorf("HasRule(%q) = %v, want %v", tc.probe, got, tc.expected)
		}
	}
}

func TestIndex_Decide_ExactAndParentWalk(t *testing.T) {
	idx := mustIndex(t, []string{"||ads.example.com^"})

	dec := idx.Decide("ads.example.com")
	if !dec.IsBlocked() || dec.MatchedRule != "||ads.example.com^" {
		t.Errorf("Decide(ads.example.com) = %+v, want blocked by ||ads.example.com^", dec)
	}

	// A subdomain of a blocked name is covered via the parent walk.
	dec = idx.Decide("pixel.ads.example.com")
	if !dec.IsBlocked() || dec.MatchedRule != "||ads.example.com^" {
		t.Errorf("Decide(pixel.ads.example.com) = %+v, want blocked by parent", dec)
	}

	// A parent of a blocked name is not covered.
	if dec := idx.Decide("example.com"); dec.IsBlocked() {
		t.Errorf("Decide(example.com) = %+v, want not blocked", dec)
	}
	if dec := idx.Decide("other.example.com"); dec.IsBlocked() {
		t.Errorf("Decide(other.example.com) = %+v, want not blocked", dec)
	}
}

func TestIndex_Decide_CanonicalizesQueries(t *testing.T) {
	idx := mustIndex(t, []string{"||ads.example.com^"})

	if dec := idx.Decide("  ADS.Example.COM.  "); !dec.IsBlocked() {
		t.Errorf("Decide with mixed case and trailing dot = %+v, want blocked", dec)
	}
}

func TestIndex_Decide_NeverMatchesBarePublicSuffix(t *testing.T) {
	// Even if a public suffix somehow enters the rule set, queries must not
	// resolve against it.
	idx := mustIndex(t, []string{"||co.uk^"})

	if dec := idx.Decide("co.uk"); dec.IsBlocked() {
		t.Errorf("Decide(co.uk) = %+v, want not blocked", dec)
	}
	// The walk stops at the registrable apex, above the public suffix.
	if dec := idx.Decide("shop.co.uk"); dec.IsBlocked() {
		t.Errorf("Decide(shop.co.uk) = %+v, want not blocked", dec)
	}
}

func TestIndex_Decide_MemoizesDecisions(t *testing.T) {
	idx := mustIndex(t, []string{"||ads.example.com^"})

	idx.Decide("ads.example.com")
	idx.Decide("ads.example.com")

	stats := idx.Stats()
	if stats.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", stats.CacheHits)
	}
	if stats.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", stats.CacheMisses)
	}
}

func TestIndex_DisabledCache(t *testing.T) {
	idx, err := New([]string{"||ads.example.com^"}, 0, 0.01)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if dec := idx.Decide("ads.example.com"); !dec.IsBlocked() {
		t.Errorf("Decide = %+v, want blocked with disabled cache", dec)
	}
	stats := idx.Stats()
	if stats.CacheHits != 0 || stats.CacheMisses != 0 {
		t.Errorf("disabled cache tracked metrics: %+v", stats)
	}
}

func TestLoad_FromArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.txt")
	contents := strings.Join([]string{
		"! Title: test list",
		"! Total rules: 3",
		"@@||good.example.com^",
		"doubleclick.net",
		"||ads.example.com^",
		"||tracker.example.net^",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}

	idx, err := Load(path, 64, 0.01)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if idx.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (network rules only)", idx.Len())
	}
	if !idx.HasRule("||ads.example.com^") {
		t.Error("expected ||ads.example.com^ indexed")
	}
	if idx.HasRule("@@||good.example.com^") {
		t.Error("allow override must not be indexed")
	}
	if dec := idx.Decide("tracker.example.net"); !dec.IsBlocked() {
		t.Errorf("Decide(tracker.example.net) = %+v, want blocked", dec)
	}
}

func TestLoad_MissingArtifact(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.txt"), 64, 0.01); err == nil {
		t.Fatal("expected error for missing artifact, got nil")
	}
}

func BenchmarkIndex_Decide(b *testing.B) {
	ruleset := make([]string, 0, 10000)
	for i := 0; i < 10000; i++ {
		ruleset = append(ruleset, fmt.Sprintf("||host%d.example.com^", i))
	}
	idx, err := New(ruleset, 1024, 0.01)
	if err != nil {
		b.Fatalf("New returned error: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		switch i % 3 {
		case 0:
			idx.Decide("host42.example.com")
		case 1:
			idx.Decide("deep.sub.host999.example.com")
		default:
			idx.Decide("absent.example.org")
		}
	}
}

package rules

import (
	"bytes"
	"sort"
	"strings"
	"testing"
)

func TestCleanNetwork_Basics(t *testing.T) {
	input := "\uFEFF# top comment\n" +
		"||ads.example.com^\n" +
		"\n" +
		"||tracker.example.net^   # inline comment\n" +
		"0.0.0.0 ads.example.com\n" +
		"||ads.example.com/banner^\n" +
		"||ads.example.com^\n" +
		"not a rule\n"

	got, stats, err := CleanNetwork(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("CleanNetwork returned error: %v", err)
	}

	want := []string{"||ads.example.com^", "||tracker.example.net^"}
	if len(got) != len(want) {
		t.Fatalf("expected %d rules, got %d: %#v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rule[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if stats.Total != 8 {
		t.Errorf("Total = %d, want 8", stats.Total)
	}
	if stats.Kept != 2 {
		t.Errorf("Kept = %d, want 2", stats.Kept)
	}
	if stats.Comments != 1 {
		t.Errorf("Comments = %d, want 1", stats.Comments)
	}
	if stats.Blank != 1 {
		t.Errorf("Blank = %d, want 1", stats.Blank)
	}
	if stats.Invalid != 3 {
		t.Errorf("Invalid = %d, want 3", stats.Invalid)
	}
	if stats.Dupes != 1 {
		t.Errorf("Dupes = %d, want 1", stats.Dupes)
	}
}

func TestCleanNetwork_OutputAlwaysCanonicalSortedUnique(t *testing.T) {
	input := "||z.example^\n" +
		"||a.example^\n" +
		"plain.example.com\n" +
		"||a.example^\n" +
		"@@||allow.example^\n" +
		"||m.example^ # mid\n" +
		"127.0.0.1 localhost\n" +
		"||bad_domain.example^\n"

	got, _, err := CleanNetwork(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("CleanNetwork returned error: %v", err)
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("output not sorted: %#v", got)
	}
	for i, rule := range got {
		if !IsCanonicalRule(rule) {
			t.Errorf("rule[%d] = %q is outside the canonical grammar", i, rule)
		}
		if i > 0 && got[i-1] == rule {
			t.Errorf("duplicate rule survived: %q", rule)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d: %#v", len(got), got)
	}
}

func TestCleanAllow_Basics(t *testing.T) {
	input := "# allow list\n" +
		"@@||good.example.com^\n" +
		"@@||flagged.example.com^$important\n" +
		"example.com\n" +
		"@@good.example.com\n" +
		"@@||good.example.com^\n"

	got, stats, err := CleanAllow(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("CleanAllow returned error: %v", err)
	}

	want := []string{"@@||flagged.example.com^$important", "@@||good.example.com^"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d: %#v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Malformed entries are silent drops, visible only in aggregate.
	if stats.Invalid != 2 {
		t.Errorf("Invalid = %d, want 2", stats.Invalid)
	}
	if stats.Dupes != 1 {
		t.Errorf("Dupes = %d, want 1", stats.Dupes)
	}
}

func TestCleanDeny_Basics(t *testing.T) {
	input := "# deny list\n" +
		"doubleclick.net\n" +
		"evil.example.com # house rule\n" +
		"doubleclick.net\n" +
		"\n" +
		"zzz.example\n"

	got, stats, err := CleanDeny(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("CleanDeny returned error: %v", err)
	}

	// Free-form entries pass through; no grammar enforcement on deny.
	want := []string{"doubleclick.net", "evil.example.com", "zzz.example"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d: %#v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if stats.Comments != 1 || stats.Blank != 1 || stats.Dupes != 1 || stats.Kept != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Invalid != 0 {
		t.Errorf("Invalid = %d, want 0 (deny is free-form)", stats.Invalid)
	}
}

func TestCleanSources_PreservesOrder(t *testing.T) {
	input := "# primary feeds\n" +
		"https://feeds.example.com/z.txt\n" +
		"https://feeds.example.com/a.txt # mirror\n" +
		"\n" +
		"https://feeds.example.com/z.txt\n"

	got, stats, err := CleanSources(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("CleanSources returned error: %v", err)
	}

	// Fetch order follows file order, so no sorting here.
	want := []string{"https://feeds.example.com/z.txt", "https://feeds.example.com/a.txt"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d: %#v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if stats.Comments != 1 || stats.Blank != 1 || stats.Dupes != 1 || stats.Kept != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCleanDeny_BOMOnlyOnce(t *testing.T) {
	input := "\uFEFFfirst.example\nsecond.example\n"
	got, _, err := CleanDeny(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("CleanDeny returned error: %v", err)
	}
	if len(got) != 2 || got[0] != "first.example" || got[1] != "second.example" {
		t.Fatalf("BOM handling wrong: %#v", got)
	}
}

func TestCleanNetwork_ScannerError(t *testing.T) {
	// A single token longer than the scanner's max line size.
	big := strings.Repeat("a", maxLineBytes+16)
	got, _, err := CleanNetwork(bytes.NewBufferString(big))
	if err == nil {
		t.Fatal("expected error from scanner, got nil")
	}
	if got != nil {
		t.Fatalf("expected nil result on error, got len=%d", len(got))
	}
}

func BenchmarkCleanNetwork(b *testing.B) {
	var sb strings.Builder
	for i := 0; i < 5000; i++ {
		sb.WriteString("||host")
		sb.WriteString(strings.Repeat("x", i%7))
		sb.WriteString(".example.com^\n")
	}
	sb.WriteString("# comment\nnot-a-rule\n\n")
	input := sb.String()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := CleanNetwork(strings.NewReader(input)); err != nil {
			b.Fatal(err)
		}
	}
}

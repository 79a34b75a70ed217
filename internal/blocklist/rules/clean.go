package rules

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/log"
)

// maxLineBytes bounds a single input line. Real feeds stay far below this;
// anything longer is junk and fails the scan rather than exhausting memory.
const maxLineBytes = 1 << 20

// Stats aggregates per-line dispositions from one cleaning pass. Drops are
// counted, never surfaced as errors.
type Stats struct {
	Total    int // physical lines scanned
	Kept     int
	Blank    int
	Comments int
	Invalid  int // grammar rejections
	Dupes    int
}

type lineClass int

const (
	lineToken lineClass = iota
	lineBlank
	lineComment
)

// prepare strips a BOM, classifies blank and whole-line comment lines, then
// removes trailing comments and surrounding whitespace from the rest.
func prepare(line string) (string, lineClass) {
	line = strings.TrimPrefix(line, "\uFEFF")

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", lineBlank
	}
	if strings.HasPrefix(trimmed, "#") {
		return "", lineComment
	}

	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}
	token := strings.TrimSpace(line)
	token = strings.TrimPrefix(token, "\uFEFF")
	if token == "" {
		return "", lineBlank
	}
	return token, lineToken
}

// CleanNetwork filters raw fetched text down to the canonical network-rule
// set: only lines matching "||<domain>^" survive, deduplicated and
// lexicographically sorted. Everything else (paths, ports, modifiers,
// alternate syntaxes) is dropped and counted.
func CleanNetwork(r io.Reader) ([]string, Stats, error) {
	var stats Stats
	seen := make(map[string]struct{})
	out := make([]string, 0, 1024)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		stats.Total++
		token, class := prepare(scanner.Text())
		switch class {
		case lineBlank:
			stats.Blank++
			continue
		case lineComment:
			stats.Comments++
			continue
		}
		if !IsCanonicalRule(token) {
			stats.Invalid++
			log.Debug(map[string]any{"line": lineNum, "raw": token}, "skip_non_canonical")
			continue
		}
		if _, ok := seen[token]; ok {
			stats.Dupes++
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
		stats.Kept++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scanning network rules: %w", err)
	}
	sort.Strings(out)
	return out, stats, nil
}

// CleanAllow filters an allow-override file. Only entries matching the
// strict allow grammar ("@@||<domain>^" with an optional "$important"
// suffix) survive; malformed entries are silently dropped and counted.
// Output is deduplicated and sorted.
func CleanAllow(r io.Reader) ([]string, Stats, error) {
	var stats Stats
	seen := make(map[string]struct{})
	out := make([]string, 0, 64)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		stats.Total++
		token, class := prepare(scanner.Text())
		switch class {
		case lineBlank:
			stats.Blank++
			continue
		case lineComment:
			stats.Comments++
			continue
		}
		if !IsAllowRule(token) {
			stats.Invalid++
			log.Debug(map[string]any{"line": lineNum, "raw": token}, "skip_malformed_allow")
			continue
		}
		if _, ok := seen[token]; ok {
			stats.Dupes++
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
		stats.Kept++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scanning allow overrides: %w", err)
	}
	sort.Strings(out)
	return out, stats, nil
}

// CleanSources filters the source-list file. Entries pass through the
// comment, BOM, and blank-line filter; URL validation happens at fetch time
// so a bad entry is attributed to its source, not the file. Duplicates keep
// the first occurrence and list order is preserved, because sources are
// fetched in the order they are written.
func CleanSources(r io.Reader) ([]string, Stats, error) {
	var stats Stats
	seen := make(map[string]struct{})
	out := make([]string, 0, 16)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		stats.Total++
		token, class := prepare(scanner.Text())
		switch class {
		case lineBlank:
			stats.Blank++
			continue
		case lineComment:
			stats.Comments++
			continue
		}
		if _, ok := seen[token]; ok {
			stats.Dupes++
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
		stats.Kept++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scanning source list: %w", err)
	}
	return out, stats, nil
}

// CleanDeny filters a deny-override file. Entries pass through the comment,
// BOM, and blank-line filter only; free-form domains are permitted since
// they feed duplicate detection and literal inclusion, not the canonical
// set. Output is deduplicated and sorted.
func CleanDeny(r io.Reader) ([]string, Stats, error) {
	var stats Stats
	seen := make(map[string]struct{})
	out := make([]string, 0, 64)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		stats.Total++
		token, class := prepare(scanner.Text())
		switch class {
		case lineBlank:
			stats.Blank++
			continue
		case lineComment:
			stats.Comments++
			continue
		}
		if _, ok := seen[token]; ok {
			stats.Dupes++
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
		stats.Kept++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scanning deny overrides: %w", err)
	}
	sort.Strings(out)
	return out, stats, nil
}

// Package ruleindex answers membership and domain-blocking queries against a
// canonical network-rule set. Reads apply a bloom → cache → exact-set
// pipeline: the Bloom filter gives fast definitive negatives, the LRU cache
// memoizes repeated domain queries, and the exact set is authoritative.
package ruleindex

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/utils"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/rules"
)

// Index is immutable after construction; all query paths are safe for
// concurrent use.
type Index struct {
	exact map[string]struct{}
	bloom *filter
	cache decisionCache
}

// IndexStats reports index size and decision-cache counters.
type IndexStats struct {
	Rules          int
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
}

// New builds an Index over a canonical network-rule set. Strings outside the
// canonical grammar are skipped: only canonical rules are indexable.
// cacheSize <= 0 disables query memoization.
func New(ruleset []string, cacheSize int, fpRate float64) (*Index, error) {
	exact := make(map[string]struct{}, len(ruleset))
	bf := newFilter(uint64(len(ruleset)), fpRate)
	for _, rule := range ruleset {
		d, ok := rules.DomainOf(rule)
		if !ok {
			continue
		}
		exact[rule] = struct{}{}
		bf.Add([]byte(d))
	}
	cache, err := newDecisionCache(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Index{exact: exact, bloom: bf, cache: cache}, nil
}

// Load builds an Index from an assembled artifact. Header comments, override
// entries, and free-form deny literals are skipped; only canonical network
// rules are indexed.
func Load(path string, cacheSize int, fpRate float64) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	var ruleset []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rules.IsCanonicalRule(line) {
			ruleset = append(ruleset, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning artifact: %w", err)
	}
	return New(ruleset, cacheSize, fpRate)
}

// HasRule reports whether the exact probe string is in the indexed set. It
// is the membership primitive duplicate detection probes with its
// equivalence forms.
func (idx *Index) HasRule(probe string) bool {
	d, ok := rules.DomainOf(probe)
	if !ok {
		return false
	}
	if !idx.bloom.MightContain([]byte(d)) {
		return false
	}
	_, present := idx.exact[probe]
	return present
}

// Decide reports whether the named domain is covered by the indexed set,
// probing the name and each parent down to its registrable apex. A name with
// no registrable apex (including bare public suffixes) is never blocked.
// Decisions are memoized per canonical name.
func (idx *Index) Decide(name string) domain.Decision {
	cn := utils.CanonicalHostName(name)
	if cn == "" {
		return domain.EmptyDecision()
	}
	if dec, ok := idx.cache.Get(cn); ok {
		return dec
	}
	dec := idx.walk(cn)
	idx.cache.Put(cn, dec)
	return dec
}

// Len returns the number of indexed rules.
func (idx *Index) Len() int { return len(idx.exact) }

// Stats returns index size and cumulative cache counters.
func (idx *Index) Stats() IndexStats {
	hits, misses, evictions := idx.cache.Stats()
	return IndexStats{
		Rules:          len(idx.exact),
		CacheHits:      hits,
		CacheMisses:    misses,
		CacheEvictions: evictions,
	}
}

// walk probes cn and each parent label, stopping at the apex so a bare
// public suffix is never matched.
func (idx *Index) walk(cn string) domain.Decision {
	apex, ok := utils.ApexDomain(cn)
	if !ok {
		return domain.EmptyDecision()
	}
	candidate := cn
	for {
		if idx.bloom.MightContain([]byte(candidate)) {
			rule := rules.RulePrefix + candidate + rules.RuleSuffix
			if _, present := idx.exact[rule]; present {
				return domain.Decision{Blocked: true, MatchedRule: rule}
			}
		}
		if candidate == apex {
			return domain.EmptyDecision()
		}
		i := strings.IndexByte(candidate, '.')
		if i < 0 {
			return domain.EmptyDecision()
		}
		candidate = candidate[i+1:]
	}
}

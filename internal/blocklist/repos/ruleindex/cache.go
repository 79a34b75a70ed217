package ruleindex

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

// decisionCache memoizes domain query decisions.
type decisionCache interface {
	Get(name string) (domain.Decision, bool)
	Put(name string, d domain.Decision)
	Len() int
	Stats() (hits, misses, evictions uint64)
}

// lruCache is an LRU-backed decisionCache tracking hits, misses, and
// evictions.
type lruCache struct {
	lru       *lru.Cache[string, domain.Decision]
	hits      uint64
	misses    uint64
	evictions uint64
}

// disabledCache is a no-op decisionCache used when size <= 0.
type disabledCache struct{}

// newDecisionCache creates a decisionCache with the given capacity. If size
// is not positive, a disabled cache is returned that always misses and
// tracks no metrics.
func newDecisionCache(size int) (decisionCache, error) {
	if size <= 0 {
		return &disabledCache{}, nil
	}

	var dc lruCache
	cache, err := lru.NewWithEvict(size, func(_ string, _ domain.Decision) {
		atomic.AddUint64(&dc.evictions, 1)
	})
	if err != nil {
		return nil, err
	}
	dc.lru = cache
	return &dc, nil
}

func (c *lruCache) Get(name string) (domain.Decision, bool) {
	if val, ok := c.lru.Get(name); ok {
		atomic.AddUint64(&c.hits, 1)
		return val, true
	}
	atomic.AddUint64(&c.misses, 1)
	return domain.Decision{}, false
}

func (c *lruCache) Put(name string, d domain.Decision) {
	c.lru.Add(name, d)
}

func (c *lruCache) Len() int { return c.lru.Len() }

func (c *lruCache) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.evictions)
}

func (d *disabledCache) Get(string) (domain.Decision, bool) { return domain.Decision{}, false }

func (d *disabledCache) Put(string, domain.Decision) {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Stats() (uint64, uint64, uint64) { return 0, 0, 0 }

var _ decisionCache = (*lruCache)(nil)
var _ decisionCache = (*disabledCache)(nil)

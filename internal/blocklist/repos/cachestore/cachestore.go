// Package cachestore persists fetched source payloads in a content-addressable
// directory. Each entry's filename is the digest of its source URL and the
// file modification time encodes insertion time, which TTL reuse, retention,
// and size eviction all key off.
package cachestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/clock"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/log"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

// ErrMiss signals that no reusable entry exists for the source: nothing is
// cached, or the cached entry has crossed the TTL boundary.
var ErrMiss = errors.New("cache miss")

// Store is a payload cache rooted at a single directory.
type Store struct {
	dir   string
	ttl   time.Duration
	clock clock.Clock
	log   log.Logger
}

// SweepPolicy bounds what Sweep keeps.
type SweepPolicy struct {
	// Retention deletes entries older than this outright, live or not.
	Retention time.Duration

	// MaxBytes is the total-size cap that triggers eviction.
	MaxBytes int64

	// TargetBytes is the low-water mark eviction shrinks the store to.
	TargetBytes int64
}

// SweepStats reports what one sweep removed, by policy.
type SweepStats struct {
	Expired  int
	Evicted  int
	Orphaned int
}

// New ensures the cache directory exists and returns a Store. A directory
// that cannot be created is a fatal precondition for the whole pipeline, so
// the error is returned rather than logged.
func New(dir string, ttl time.Duration, clk clock.Clock, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("allocating cache directory %s: %w", dir, err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Store{dir: dir, ttl: ttl, clock: clk, log: logger}, nil
}

// Get returns the cached payload and its age for the source. ErrMiss is
// returned when no entry exists or the entry is at or past the TTL.
func (s *Store) Get(src domain.Source) ([]byte, time.Duration, error) {
	path := s.entryPath(src)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrMiss
		}
		return nil, 0, fmt.Errorf("stat cache entry: %w", err)
	}
	age := s.clock.Now().Sub(info.ModTime())
	if age >= s.ttl {
		return nil, age, ErrMiss
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, age, fmt.Errorf("read cache entry: %w", err)
	}
	return payload, age, nil
}

// GetStale returns the cached payload regardless of age, for conditional
// refetches that may revalidate an expired entry. ErrMiss only when absent.
func (s *Store) GetStale(src domain.Source) ([]byte, time.Duration, error) {
	path := s.entryPath(src)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrMiss
		}
		return nil, 0, fmt.Errorf("stat cache entry: %w", err)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read cache entry: %w", err)
	}
	return payload, s.clock.Now().Sub(info.ModTime()), nil
}

// Put replaces the entry for the source wholesale: the payload is written to
// a scratch file in the same directory and renamed into place, so a failed
// write never corrupts a previously good entry and concurrent readers never
// observe a partial payload.
func (s *Store) Put(src domain.Source, payload []byte) error {
	tmp, err := os.CreateTemp(s.dir, src.CacheKey()+".*.tmp")
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write scratch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close scratch file: %w", err)
	}
	if err := os.Rename(tmpName, s.entryPath(src)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("promote scratch file: %w", err)
	}
	return nil
}

// Touch bumps the entry's modification time to now, restarting its TTL.
// Used when a conditional refetch reports the payload unchanged.
func (s *Store) Touch(src domain.Source) error {
	now := s.clock.Now()
	if err := os.Chtimes(s.entryPath(src), now, now); err != nil {
		return fmt.Errorf("refresh cache entry: %w", err)
	}
	return nil
}

// Sweep applies the three eviction policies in order: retention age, then
// size cap oldest-first down to the target, then orphan keys that no entry
// in live maps to. live carries the raw entry strings of all three input
// lists; each is digested the same way source URLs are. All removals are
// best-effort: failures are logged and skipped, never returned.
func (s *Store) Sweep(pol SweepPolicy, live []string) SweepStats {
	var stats SweepStats
	now := s.clock.Now()

	keep := make(map[string]struct{}, len(live))
	for _, entry := range live {
		keep[domain.DigestKey(entry)] = struct{}{}
	}

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error(map[string]any{"dir": s.dir, "error": err.Error()}, "sweep_read_dir_failed")
		return stats
	}

	type entry struct {
		name string
		mod  time.Time
		size int64
	}
	var files []entry
	var total int64
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, entry{de.Name(), info.ModTime(), info.Size()})
		total += info.Size()
	}

	// Retention: age out old entries regardless of validity.
	remaining := files[:0]
	for _, f := range files {
		if pol.Retention > 0 && now.Sub(f.mod) > pol.Retention {
			if s.remove(f.name) {
				stats.Expired++
				total -= f.size
				continue
			}
		}
		remaining = append(remaining, f)
	}
	files = remaining

	// Size cap: evict oldest-first until under the low-water target.
	if pol.MaxBytes > 0 && total > pol.MaxBytes {
		sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
		idx := 0
		for idx < len(files) && total > pol.TargetBytes {
			if s.remove(files[idx].name) {
				stats.Evicted++
				total -= files[idx].size
			}
			idx++
		}
		files = files[idx:]
	}

	// Orphans: keys that no configured entry maps to anymore. This also
	// collects scratch files left behind by interrupted runs.
	for _, f := range files {
		if _, ok := keep[f.name]; ok {
			continue
		}
		if s.remove(f.name) {
			stats.Orphaned++
		}
	}

	s.log.Info(map[string]any{
		"expired":  stats.Expired,
		"evicted":  stats.Evicted,
		"orphaned": stats.Orphaned,
	}, "cache_sweep_complete")
	return stats
}

func (s *Store) entryPath(src domain.Source) string {
	return filepath.Join(s.dir, src.CacheKey())
}

// remove deletes one entry, logging and swallowing failures.
func (s *Store) remove(name string) bool {
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		s.log.Warn(map[string]any{"entry": name, "error": err.Error()}, "sweep_remove_failed")
		return false
	}
	return true
}

// Package telemetry persists one structured record per fetch outcome in an
// append-only tab-delimited journal, trims it by embedded timestamps, and
// derives health statistics without re-parsing free text.
package telemetry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/clock"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/log"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

// tombstonePrefix marks the single retained record when a trim would
// otherwise empty the journal.
const tombstonePrefix = "# tombstone "

// Store is an append-only journal of fetch outcomes. All operations are
// serialized so concurrent fetch workers never interleave partial lines and
// a trim never races an append.
type Store struct {
	path  string
	clock clock.Clock
	log   log.Logger

	mu sync.Mutex
}

// TrimStats reports what one trim pass did.
type TrimStats struct {
	Scanned    int
	Kept       int
	Dropped    int
	Malformed  int
	Tombstoned bool
}

// SourceFailures pairs a source with its failure count inside the window.
type SourceFailures struct {
	Source   string
	Failures int
}

// Summary is the read-only analysis of the journal over a window.
type Summary struct {
	Successes int
	Failures  int
	Malformed int

	TopFailing []SourceFailures

	AvgSuccess     time.Duration
	FastestSuccess time.Duration
	SlowestSuccess time.Duration
}

// New ensures the journal's directory exists and returns a Store.
func New(path string, clk clock.Clock, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("allocating telemetry directory: %w", err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Store{path: path, clock: clk, log: logger}, nil
}

// Append writes one record to the journal.
func (s *Store) Append(rec domain.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening telemetry journal: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(rec.Line() + "\n"); err != nil {
		return fmt.Errorf("appending telemetry record: %w", err)
	}
	return nil
}

// Trim rewrites the journal keeping only records at or after the cutoff,
// comparing embedded timestamps rather than file times. If every record
// would expire, the newest one is preserved as a tombstone comment so the
// journal never loses its last trace of activity. Malformed lines are
// dropped and counted; the rewrite is atomic.
func (s *Store) Trim(cutoff time.Time) (TrimStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats TrimStats

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("reading telemetry journal: %w", err)
	}

	var (
		kept              []string
		newest            string
		newestTS          time.Time
		existingTombstone string
	)

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			// Carry an existing tombstone forward; drop other comments.
			if strings.HasPrefix(line, tombstonePrefix) {
				existingTombstone = line
			}
			continue
		}
		stats.Scanned++
		rec, err := domain.ParseTelemetryLine(line)
		if err != nil {
			stats.Malformed++
			continue
		}
		if rec.Timestamp.After(newestTS) {
			newestTS = rec.Timestamp
			newest = line
		}
		if rec.Timestamp.Before(cutoff) {
			stats.Dropped++
			continue
		}
		kept = append(kept, line)
		stats.Kept++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("scanning telemetry journal: %w", err)
	}

	var sb strings.Builder
	if len(kept) == 0 {
		switch {
		case newest != "":
			sb.WriteString(tombstonePrefix + newest + "\n")
			stats.Tombstoned = true
		case existingTombstone != "":
			sb.WriteString(existingTombstone + "\n")
			stats.Tombstoned = true
		}
	} else {
		for _, line := range kept {
			sb.WriteString(line + "\n")
		}
	}

	if err := s.rewrite(sb.String()); err != nil {
		return stats, err
	}

	s.log.Debug(map[string]any{
		"scanned":   stats.Scanned,
		"kept":      stats.Kept,
		"dropped":   stats.Dropped,
		"malformed": stats.Malformed,
	}, "telemetry_trim_complete")
	return stats, nil
}

// Analyze derives health statistics over the trailing window. A zero window
// covers the whole journal. Malformed lines are skipped and counted.
func (s *Store) Analyze(window time.Duration, topN int) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summary Summary

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return summary, nil
		}
		return summary, fmt.Errorf("reading telemetry journal: %w", err)
	}

	var since time.Time
	if window > 0 {
		since = s.clock.Now().Add(-window)
	}

	var (
		totalSuccess time.Duration
		failuresBy   = make(map[string]int)
	)

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := domain.ParseTelemetryLine(line)
		if err != nil {
			summary.Malformed++
			continue
		}
		if rec.Timestamp.Before(since) {
			continue
		}
		switch rec.Outcome {
		case domain.OutcomeSuccess:
			summary.Successes++
			totalSuccess += rec.Duration
			if summary.Successes == 1 || rec.Duration < summary.FastestSuccess {
				summary.FastestSuccess = rec.Duration
			}
			if rec.Duration > summary.SlowestSuccess {
				summary.SlowestSuccess = rec.Duration
			}
		case domain.OutcomeFailure:
			summary.Failures++
			failuresBy[rec.Source]++
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("scanning telemetry journal: %w", err)
	}

	if summary.Successes > 0 {
		summary.AvgSuccess = totalSuccess / time.Duration(summary.Successes)
	}

	top := make([]SourceFailures, 0, len(failuresBy))
	for source, n := range failuresBy {
		top = append(top, SourceFailures{Source: source, Failures: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Failures != top[j].Failures {
			return top[i].Failures > top[j].Failures
		}
		return top[i].Source < top[j].Source
	})
	if topN > 0 && len(top) > topN {
		top = top[:topN]
	}
	summary.TopFailing = top

	return summary, nil
}

// rewrite atomically replaces the journal contents.
func (s *Store) rewrite(contents string) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create journal scratch file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(contents); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write journal scratch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close journal scratch file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("promote journal scratch file: %w", err)
	}
	return nil
}

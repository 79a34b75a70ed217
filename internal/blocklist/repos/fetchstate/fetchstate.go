// Package fetchstate persists per-source fetch metadata between runs: HTTP
// validators for conditional requests, consecutive failure streaks, and the
// time of the last successful fetch.
package fetchstate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

var (
	bucketValidators = []byte("validators")
	bucketMeta       = []byte("meta")

	metaKeyRunID   = []byte("run_id")
	metaKeyUpdated = []byte("updated")
)

// Store wraps a bbolt database keyed by source digest.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the state database at path and ensures buckets
// exist. The parent directory is created if missing; failure to do either is
// a fatal working-storage precondition for the caller.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("allocating state directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketValidators); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("preparing state database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the stored state for the source, or a zero state when the
// source has never been recorded.
func (s *Store) Get(src domain.Source) (domain.SourceState, error) {
	var state domain.SourceState
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketValidators)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(src.CacheKey()))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &state)
	})
	if err != nil {
		return domain.SourceState{}, fmt.Errorf("reading state for %s: %w", src.URL, err)
	}
	return state, nil
}

// RecordSuccess stores fresh validators for the source, resets its failure
// streak, and stamps the success time.
func (s *Store) RecordSuccess(src domain.Source, etag, lastModified string, now time.Time) error {
	state := domain.SourceState{
		ETag:            etag,
		LastModified:    lastModified,
		LastSuccessUnix: now.Unix(),
	}
	return s.put(src, state)
}

// RecordFailure increments the source's failure streak, keeping whatever
// validators it had so a later conditional request can still revalidate.
func (s *Store) RecordFailure(src domain.Source) error {
	key := []byte(src.CacheKey())
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketValidators)
		var state domain.SourceState
		if v := b.Get(key); v != nil {
			if err := json.Unmarshal(v, &state); err != nil {
				// A corrupt record is replaced rather than kept.
				state = domain.SourceState{}
			}
		}
		state.ConsecutiveFailures++
		buf, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(key, buf)
	})
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", src.URL, err)
	}
	return nil
}

// Prune removes state for sources no longer configured. Returns the number
// of records dropped.
func (s *Store) Prune(live []domain.Source) (int, error) {
	keep := make(map[string]struct{}, len(live))
	for _, src := range live {
		keep[src.CacheKey()] = struct{}{}
	}

	var stale [][]byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketValidators)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if _, ok := keep[string(k)]; !ok {
				kk := make([]byte, len(k))
				copy(kk, k)
				stale = append(stale, kk)
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning state: %w", err)
	}
	return len(stale), nil
}

// SetRunMeta records the identifier and completion time of the latest run.
func (s *Store) SetRunMeta(runID string, finished time.Time) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(finished.Unix()))
		if err := b.Put(metaKeyUpdated, buf); err != nil {
			return err
		}
		return b.Put(metaKeyRunID, []byte(runID))
	})
	if err != nil {
		return fmt.Errorf("recording run metadata: %w", err)
	}
	return nil
}

// RunMeta returns the identifier and completion time of the latest run, or
// zero values when no run has completed yet.
func (s *Store) RunMeta() (string, time.Time, error) {
	var (
		runID    string
		finished time.Time
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return nil
		}
		if v := b.Get(metaKeyRunID); v != nil {
			runID = string(v)
		}
		if v := b.Get(metaKeyUpdated); len(v) == 8 {
			finished = time.Unix(int64(binary.BigEndian.Uint64(v)), 0).UTC()
		}
		return nil
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading run metadata: %w", err)
	}
	return runID, finished, nil
}

// Len reports how many sources currently have state.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketValidators); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting state records: %w", err)
	}
	return n, nil
}

func (s *Store) put(src domain.Source, state domain.SourceState) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", src.URL, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValidators).Put([]byte(src.CacheKey()), buf)
	})
	if err != nil {
		return fmt.Errorf("writing state for %s: %w", src.URL, err)
	}
	return nil
}

// Package fetch downloads configured rule sources through the payload cache.
// It applies per-source retries with exponential backoff, conditional requests
// when validators are known, a false-success screen for disguised error pages,
// and emits one telemetry record per source attempt. A single source failure
// never aborts the pass.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/clock"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/log"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

// Error message constants for consistent error handling
const (
	errCacheRequired   = "payload cache is required"
	errStateRequired   = "state store is required"
	errJournalRequired = "telemetry journal is required"
)

// PayloadCache is the engine's view of the payload cache. Get succeeds only
// within the TTL; GetStale ignores age so a 304 can reuse the prior payload.
type PayloadCache interface {
	Get(src domain.Source) ([]byte, time.Duration, error)
	GetStale(src domain.Source) ([]byte, time.Duration, error)
	Put(src domain.Source, payload []byte) error
	Touch(src domain.Source) error
}

// StateStore persists per-source HTTP validators and failure streaks across
// runs.
type StateStore interface {
	Get(src domain.Source) (domain.SourceState, error)
	RecordSuccess(src domain.Source, etag, lastModified string, now time.Time) error
	RecordFailure(src domain.Source) error
}

// Journal receives one telemetry record per source attempt.
type Journal interface {
	Append(rec domain.TelemetryRecord) error
}

// Options defines configuration parameters for the download engine.
type Options struct {
	// required collaborators
	Cache   PayloadCache
	State   StateStore
	Journal Journal

	// transfer limits and behavior
	ConnectTimeout time.Duration
	Timeout        time.Duration
	MaxBytes       int64
	SuspectBytes   int64
	Retries        int
	Workers        int
	RatePerSecond  float64
	UserAgent      string

	// options to inject for testing purposes
	Client *http.Client
	Clock  clock.Clock
	Sleep  func(time.Duration)
	Logger log.Logger
}

// Engine coordinates source downloads. Construct with New.
type Engine struct {
	client       *http.Client
	cache        PayloadCache
	state        StateStore
	journal      Journal
	clock        clock.Clock
	sleep        func(time.Duration)
	limiter      *rate.Limiter
	log          log.Logger
	userAgent    string
	maxBytes     int64
	suspectBytes int64
	retries      int
	workers      int
}

// New creates a download engine. The cache, state store, and journal are
// required; everything else defaults to conservative production values.
func New(opts Options) (*Engine, error) {
	if opts.Cache == nil {
		return nil, errors.New(errCacheRequired)
	}
	if opts.State == nil {
		return nil, errors.New(errStateRequired)
	}
	if opts.Journal == nil {
		return nil, errors.New(errJournalRequired)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 100 << 20
	}
	if opts.SuspectBytes <= 0 {
		opts.SuspectBytes = 4096
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "my-rules/1.0"
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout: opts.ConnectTimeout,
			},
		}
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &Engine{
		client:       opts.Client,
		cache:        opts.Cache,
		state:        opts.State,
		journal:      opts.Journal,
		clock:        opts.Clock,
		sleep:        opts.Sleep,
		limiter:      limiter,
		log:          opts.Logger,
		userAgent:    opts.UserAgent,
		maxBytes:     opts.MaxBytes,
		suspectBytes: opts.SuspectBytes,
		retries:      opts.Retries,
		workers:      opts.Workers,
	}, nil
}

// sourceResult is the per-entry outcome collected before aggregation.
type sourceResult struct {
	payload     []byte
	ok          bool
	cacheHit    bool
	notModified bool
}

// FetchAll processes every source entry and returns the raw rule buffer:
// accepted payloads concatenated in source-list order, each terminated by a
// newline. Entries are raw source-list lines; malformed ones fail immediately
// without a network attempt. With more than one worker, entries are fetched
// concurrently but the buffer order still follows the input order.
func (e *Engine) FetchAll(ctx context.Context, runID string, entries []string) ([]byte, domain.FetchStats, error) {
	results := make([]sourceResult, len(entries))

	if e.workers > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i, entry := range entries {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = e.fetchEntry(gctx, runID, entry)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, domain.FetchStats{}, err
		}
	} else {
		for i, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, domain.FetchStats{}, err
			}
			results[i] = e.fetchEntry(ctx, runID, entry)
		}
	}

	var buf bytes.Buffer
	var stats domain.FetchStats
	for _, res := range results {
		if !res.ok {
			stats.Failures++
			continue
		}
		stats.Successes++
		if res.cacheHit {
			stats.CacheHits++
		}
		if res.notModified {
			stats.NotModified++
		}
		if len(res.payload) == 0 {
			continue
		}
		buf.Write(res.payload)
		if res.payload[len(res.payload)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}

	e.log.Info(map[string]any{
		"sources":      len(entries),
		"successes":    stats.Successes,
		"failures":     stats.Failures,
		"cache_hits":   stats.CacheHits,
		"not_modified": stats.NotModified,
	}, "fetch_complete")
	return buf.Bytes(), stats, nil
}

// fetchEntry validates one source-list entry and fetches it.
func (e *Engine) fetchEntry(ctx context.Context, runID, entry string) sourceResult {
	src, err := domain.NewSource(entry)
	if err != nil {
		e.log.Warn(map[string]any{"entry": entry, "error": err.Error()}, "malformed_source")
		e.append(runID, domain.OutcomeFailure, entry, 0, 0, err.Error())
		return sourceResult{}
	}
	return e.fetchOne(ctx, runID, src)
}

// fetchOne runs the cache-then-network flow for a single validated source.
func (e *Engine) fetchOne(ctx context.Context, runID string, src domain.Source) sourceResult {
	start := e.clock.Now()

	if payload, age, err := e.cache.Get(src); err == nil {
		e.log.Debug(map[string]any{"source": src.URL, "age": age.String()}, "cache_hit")
		e.append(runID, domain.OutcomeSuccess, src.URL, 0, countRuleLines(payload), "")
		return sourceResult{payload: payload, ok: true, cacheHit: true}
	}

	state, err := e.state.Get(src)
	if err != nil {
		e.log.Warn(map[string]any{"source": src.URL, "error": err.Error()}, "state_read_failed")
		state = domain.SourceState{}
	}
	stale, _, staleErr := e.cache.GetStale(src)

	res, err := e.download(ctx, src, state, staleErr == nil)
	elapsed := e.clock.Now().Sub(start)
	if err == nil && res.notModified && staleErr != nil {
		// A 304 is only usable when the prior payload is still on disk.
		err = errors.New("not modified response without a cached payload")
	}
	if err != nil {
		return e.fail(runID, src, elapsed, err)
	}

	payload := res.payload
	if res.notModified {
		payload = stale
		if terr := e.cache.Touch(src); terr != nil {
			e.log.Warn(map[string]any{"source": src.URL, "error": terr.Error()}, "cache_touch_failed")
		}
	} else {
		if verr := screen(payload, e.suspectBytes); verr != nil {
			return e.fail(runID, src, elapsed, verr)
		}
		if perr := e.cache.Put(src, payload); perr != nil {
			return e.fail(runID, src, elapsed, perr)
		}
	}

	if serr := e.state.RecordSuccess(src, res.etag, res.lastModified, e.clock.Now()); serr != nil {
		e.log.Warn(map[string]any{"source": src.URL, "error": serr.Error()}, "state_record_failed")
	}
	e.append(runID, domain.OutcomeSuccess, src.URL, elapsed, countRuleLines(payload), "")
	e.log.Debug(map[string]any{
		"source":       src.URL,
		"bytes":        len(payload),
		"not_modified": res.notModified,
	}, "source_fetched")
	return sourceResult{payload: payload, ok: true, notModified: res.notModified}
}

// fail records a source failure in the state store and the journal.
func (e *Engine) fail(runID string, src domain.Source, elapsed time.Duration, cause error) sourceResult {
	if serr := e.state.RecordFailure(src); serr != nil {
		e.log.Warn(map[string]any{"source": src.URL, "error": serr.Error()}, "state_record_failed")
	}
	e.append(runID, domain.OutcomeFailure, src.URL, elapsed, 0, cause.Error())
	e.log.Warn(map[string]any{"source": src.URL, "error": cause.Error()}, "source_fetch_failed")
	return sourceResult{}
}

// append emits one telemetry record; journal problems are logged, never fatal.
func (e *Engine) append(runID string, outcome domain.Outcome, source string, d time.Duration, ruleCount int, detail string) {
	rec, err := domain.NewTelemetryRecord(e.clock.Now(), runID, outcome, source, d, ruleCount, detail)
	if err != nil {
		e.log.Error(map[string]any{"source": source, "error": err.Error()}, "telemetry_record_invalid")
		return
	}
	if err := e.journal.Append(rec); err != nil {
		e.log.Warn(map[string]any{"source": source, "error": err.Error()}, "telemetry_append_failed")
	}
}

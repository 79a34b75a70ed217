// Package updater orchestrates one full pipeline run: read the input lists,
// fetch every source through the cache, normalize the raw buffer, detect
// duplicate overrides, assemble the artifact, then run the maintenance
// passes (telemetry trim, cache sweep, state prune).
package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/assemble"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/clock"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/log"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/config"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/dedup"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/cachestore"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/ruleindex"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/telemetry"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/rules"
)

// Error message constants for consistent error handling
const (
	errConfigRequired    = "configuration is required"
	errFetcherRequired   = "fetcher is required"
	errAssemblerRequired = "assembler is required"
	errCacheRequired     = "payload sweeper is required"
	errStateRequired     = "state store is required"
	errJournalRequired   = "telemetry journal is required"
)

// Options wires the updater's collaborators.
type Options struct {
	Config    *config.AppConfig
	Fetcher   Fetcher
	Assembler Assembler
	Cache     PayloadSweeper
	State     StateStore
	Journal   Journal
	Clock     clock.Clock
	Logger    log.Logger
}

// Updater runs the pipeline. Construct with New.
type Updater struct {
	cfg       *config.AppConfig
	fetcher   Fetcher
	assembler Assembler
	cache     PayloadSweeper
	state     StateStore
	journal   Journal
	clock     clock.Clock
	log       log.Logger
}

// Summary aggregates everything one run did, for logging and exit reporting.
type Summary struct {
	RunID    string
	Duration time.Duration
	Fetch    domain.FetchStats
	Network  rules.Stats
	Allow    rules.Stats
	Deny     rules.Stats
	Findings int
	Result   assemble.Result
	Trimmed  telemetry.TrimStats
	Swept    cachestore.SweepStats
	Pruned   int
}

// New validates the wiring and returns an Updater.
func New(opts Options) (*Updater, error) {
	if opts.Config == nil {
		return nil, errors.New(errConfigRequired)
	}
	if opts.Fetcher == nil {
		return nil, errors.New(errFetcherRequired)
	}
	if opts.Assembler == nil {
		return nil, errors.New(errAssemblerRequired)
	}
	if opts.Cache == nil {
		return nil, errors.New(errCacheRequired)
	}
	if opts.State == nil {
		return nil, errors.New(errStateRequired)
	}
	if opts.Journal == nil {
		return nil, errors.New(errJournalRequired)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Updater{
		cfg:       opts.Config,
		fetcher:   opts.Fetcher,
		assembler: opts.Assembler,
		cache:     opts.Cache,
		state:     opts.State,
		journal:   opts.Journal,
		clock:     opts.Clock,
		log:       opts.Logger,
	}, nil
}

// Run executes one pipeline pass. A missing input file, an empty combined
// rule set, or an artifact integrity failure aborts with an error; source
// fetch failures and maintenance problems never do. An empty runID is
// replaced with a generated one.
func (u *Updater) Run(ctx context.Context, runID string) (Summary, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	started := u.clock.Now()
	sum := Summary{RunID: runID}

	u.log.Info(map[string]any{"run_id": runID}, "update_run_started")

	for _, path := range []string{u.cfg.Inputs.Sources, u.cfg.Inputs.Allow, u.cfg.Inputs.Deny} {
		if _, err := os.Stat(path); err != nil {
			return sum, fmt.Errorf("required input file missing: %s", path)
		}
	}

	entries, _, err := cleanFile(u.cfg.Inputs.Sources, rules.CleanSources)
	if err != nil {
		return sum, fmt.Errorf("reading source list: %w", err)
	}
	entries = append(entries, u.cfg.Inputs.ExtraSources...)

	allow, allowStats, err := cleanFile(u.cfg.Inputs.Allow, rules.CleanAllow)
	if err != nil {
		return sum, fmt.Errorf("reading allow overrides: %w", err)
	}
	sum.Allow = allowStats

	deny, denyStats, err := cleanFile(u.cfg.Inputs.Deny, rules.CleanDeny)
	if err != nil {
		return sum, fmt.Errorf("reading deny overrides: %w", err)
	}
	sum.Deny = denyStats

	buffer, fetchStats, err := u.fetcher.FetchAll(ctx, runID, entries)
	if err != nil {
		return sum, fmt.Errorf("fetching sources: %w", err)
	}
	sum.Fetch = fetchStats

	network, netStats, err := rules.CleanNetwork(bytes.NewReader(buffer))
	if err != nil {
		return sum, fmt.Errorf("normalizing network rules: %w", err)
	}
	sum.Network = netStats
	u.log.Debug(map[string]any{
		"raw_bytes": len(buffer),
		"kept":      netStats.Kept,
		"invalid":   netStats.Invalid,
		"dupes":     netStats.Dupes,
	}, "normalize_complete")

	// The decision cache is for query serving; duplicate detection only
	// probes exact membership.
	idx, err := ruleindex.New(network, 0, 0)
	if err != nil {
		return sum, fmt.Errorf("indexing network rules: %w", err)
	}
	findings := dedup.Detect(deny, idx)
	sum.Findings = len(findings)

	res, err := u.assembler.Run(assemble.Input{
		RunID:    runID,
		Allow:    allow,
		Deny:     deny,
		Network:  network,
		Sources:  len(entries),
		Stats:    fetchStats,
		Findings: findings,
	})
	if err != nil {
		return sum, fmt.Errorf("assembling artifact: %w", err)
	}
	sum.Result = res

	u.maintain(&sum, entries, allow, deny)

	sum.Duration = u.clock.Now().Sub(started)
	u.log.Info(map[string]any{
		"run_id":      runID,
		"duration_ms": sum.Duration.Milliseconds(),
		"rules":       res.RuleCount,
		"successes":   fetchStats.Successes,
		"failures":    fetchStats.Failures,
		"duplicates":  sum.Findings,
		"anomaly":     res.Anomaly,
	}, "update_run_complete")
	return sum, nil
}

// maintain runs the post-assembly housekeeping. Everything here is
// best-effort: the artifact is already written and verified, so failures are
// logged and never abort the run.
func (u *Updater) maintain(sum *Summary, entries, allow, deny []string) {
	cutoff := u.clock.Now().Add(-u.cfg.Telemetry.Retention)
	trimmed, err := u.journal.Trim(cutoff)
	if err != nil {
		u.log.Warn(map[string]any{"error": err.Error()}, "telemetry_trim_failed")
	}
	sum.Trimmed = trimmed

	live := make([]string, 0, len(entries)+len(allow)+len(deny))
	live = append(live, entries...)
	live = append(live, allow...)
	live = append(live, deny...)
	sum.Swept = u.cache.Sweep(cachestore.SweepPolicy{
		Retention:   u.cfg.Cache.Retention,
		MaxBytes:    u.cfg.Cache.MaxBytes,
		TargetBytes: u.cfg.Cache.TargetBytes,
	}, live)

	sources := make([]domain.Source, 0, len(entries))
	for _, entry := range entries {
		src, err := domain.NewSource(entry)
		if err != nil {
			continue
		}
		sources = append(sources, src)
	}
	pruned, err := u.state.Prune(sources)
	if err != nil {
		u.log.Warn(map[string]any{"error": err.Error()}, "state_prune_failed")
	}
	sum.Pruned = pruned

	if err := u.state.SetRunMeta(sum.RunID, u.clock.Now()); err != nil {
		u.log.Warn(map[string]any{"error": err.Error()}, "run_meta_failed")
	}
}

// cleanFile opens one input list and runs the given cleaning pass over it.
func cleanFile(path string, clean func(io.Reader) ([]string, rules.Stats, error)) ([]string, rules.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rules.Stats{}, err
	}
	defer f.Close()
	return clean(f)
}

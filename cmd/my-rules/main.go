// Command my-rules maintains a DNS blocklist artifact: it downloads the
// configured source lists, normalizes them into canonical ||domain^ rules,
// and assembles the final artifact with its checksum and report.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/assemble"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/clock"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/log"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/config"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/gateways/fetch"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/cachestore"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/fetchstate"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/ruleindex"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/telemetry"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/rules"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/services/updater"
	"github.com/spf13/cobra"
)

const version = "0.1.0-dev"

// decisionCacheSize bounds the check command's memoized decisions.
const decisionCacheSize = 4096

// bloomFPRate is the accepted false-positive rate for the rule index's
// negative-lookup filter. False positives only cost a map probe.
const bloomFPRate = 0.01

var (
	// Global flags
	cfgPath string

	// Update flags
	runID   string
	workers int

	// Stats flags
	statsWindow time.Duration
	statsTop    int

	// cfg is populated by the root PersistentPreRunE for every command
	// except version.
	cfg *config.AppConfig
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "my-rules",
	Short: "Blocklist pipeline: fetch, normalize, and assemble DNS filter rules",
	Long: `my-rules maintains a DNS blocklist artifact from remote source lists.

An update run downloads every configured source through a validating,
disk-backed cache, normalizes the combined payload into canonical
||domain^ rules, flags deny overrides that duplicate fetched rules, and
atomically writes the artifact with a sha256 sidecar, rotated backups,
and a run report.

Configuration layers struct defaults, an optional config file, and
RULES_-prefixed environment variables. Later layers win.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if err := log.Configure(loaded.Env, loaded.Log.Level); err != nil {
			return fmt.Errorf("configuring logger: %w", err)
		}
		cfg = loaded
		return nil
	},
}

// updateCmd runs the full pipeline once
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch all sources and assemble the blocklist artifact",
	Long: `Runs one full pipeline pass: fetch every source (serving unexpired
payloads from the cache and revalidating stale ones), normalize, detect
duplicate deny overrides, assemble the artifact, then trim telemetry,
sweep the cache, and prune stale fetch state.

A fatal error leaves the previous artifact and its backups untouched.`,
	RunE: runUpdate,
}

// checkCmd resolves names against the assembled artifact
var checkCmd = &cobra.Command{
	Use:   "check <domain> [domain...]",
	Short: "Check whether domains are covered by the assembled artifact",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

// statsCmd summarizes the telemetry journal
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize fetch telemetry over a trailing window",
	RunE:  runStats,
}

// sweepCmd runs cache maintenance without fetching
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep the payload cache without running a fetch",
	Long: `Applies the retention, size-cap, and orphan policies to the payload
cache. Entries referenced by the current input lists are kept unless the
retention window has passed.`,
	RunE: runSweep,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the my-rules version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "my-rules %s\n", version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file (yaml, json, or toml; optional)")

	// Update flags
	updateCmd.Flags().StringVar(&runID, "run-id", "", "Run identifier for telemetry (default: random UUID)")
	updateCmd.Flags().IntVar(&workers, "workers", 0, "Override fetch.workers for this run (0 = use config)")

	// Stats flags
	statsCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "Trailing window to analyze (0 = whole journal)")
	statsCmd.Flags().IntVar(&statsTop, "top", 5, "Number of failing sources to list")

	// Add commands to root
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runUpdate executes one pipeline pass with graceful shutdown on SIGINT/SIGTERM.
func runUpdate(cmd *cobra.Command, args []string) error {
	if workers < 0 || workers > 64 {
		return fmt.Errorf("--workers must be between 0 and 64 (0 uses the configured value), got %d", workers)
	}
	if workers > 0 {
		cfg.Fetch.Workers = workers
	}

	app, err := buildApplication(cfg)
	if err != nil {
		return fmt.Errorf("building application: %w", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	sum, err := app.updater.Run(ctx, runID)
	if err != nil {
		return err
	}

	printSummary(cmd, sum)
	return nil
}

// printSummary writes the human-readable run outcome to stdout. Structured
// events already went to the log.
func printSummary(cmd *cobra.Command, sum updater.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s finished in %s\n", sum.RunID, sum.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "sources: %d fetched, %d failed (%d cache hits, %d revalidated)\n",
		sum.Fetch.Successes, sum.Fetch.Failures, sum.Fetch.CacheHits, sum.Fetch.NotModified)
	fmt.Fprintf(out, "rules: %d written to %s (%d bytes, sha256 %s)\n",
		sum.Result.RuleCount, cfg.Output.Artifact, sum.Result.Bytes, sum.Result.Checksum[:12])
	if sum.Findings > 0 {
		fmt.Fprintf(out, "duplicate deny overrides: %d (see %s)\n", sum.Findings, cfg.Output.Report)
	}
	fmt.Fprintf(out, "maintenance: %d journal records dropped, %d cache entries removed, %d states pruned\n",
		sum.Trimmed.Dropped, sum.Swept.Expired+sum.Swept.Evicted+sum.Swept.Orphaned, sum.Pruned)
	if sum.Result.Anomaly {
		fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: rule count dropped %.1f%% from the previous run; verify the sources before trusting this artifact\n",
			sum.Result.DropPct)
	}
}

// runCheck loads the artifact into a rule index and decides each name.
func runCheck(cmd *cobra.Command, args []string) error {
	idx, err := ruleindex.Load(cfg.Output.Artifact, decisionCacheSize, bloomFPRate)
	if err != nil {
		return fmt.Errorf("loading artifact %s: %w", cfg.Output.Artifact, err)
	}

	out := cmd.OutOrStdout()
	for _, name := range args {
		decision := idx.Decide(name)
		if decision.Blocked {
			fmt.Fprintf(out, "BLOCKED  %s  (%s)\n", name, decision.MatchedRule)
		} else {
			fmt.Fprintf(out, "ok       %s\n", name)
		}
	}
	return nil
}

// runStats analyzes the telemetry journal and reports the last run.
func runStats(cmd *cobra.Command, args []string) error {
	clk := &clock.RealClock{}
	journal, err := telemetry.New(cfg.Telemetry.File, clk, log.GetLogger())
	if err != nil {
		return fmt.Errorf("opening telemetry journal: %w", err)
	}

	summary, err := journal.Analyze(statsWindow, statsTop)
	if err != nil {
		return fmt.Errorf("analyzing telemetry: %w", err)
	}

	out := cmd.OutOrStdout()
	if statsWindow > 0 {
		fmt.Fprintf(out, "telemetry over the last %s:\n", statsWindow)
	} else {
		fmt.Fprintln(out, "telemetry over the whole journal:")
	}
	fmt.Fprintf(out, "  successes: %d  failures: %d", summary.Successes, summary.Failures)
	if summary.Malformed > 0 {
		fmt.Fprintf(out, "  malformed lines: %d", summary.Malformed)
	}
	fmt.Fprintln(out)
	if summary.Successes > 0 {
		fmt.Fprintf(out, "  durations: avg %s, fastest %s, slowest %s\n",
			summary.AvgSuccess.Round(time.Millisecond),
			summary.FastestSuccess.Round(time.Millisecond),
			summary.SlowestSuccess.Round(time.Millisecond))
	}
	for i, sf := range summary.TopFailing {
		if i == 0 {
			fmt.Fprintln(out, "  top failing sources:")
		}
		fmt.Fprintf(out, "    %3d  %s\n", sf.Failures, sf.Source)
	}

	// The run marker is informational; a missing or fresh state DB is fine.
	state, err := fetchstate.Open(cfg.Cache.StateDB)
	if err != nil {
		return nil
	}
	defer state.Close()
	lastRun, finished, err := state.RunMeta()
	if err == nil && lastRun != "" {
		fmt.Fprintf(out, "last run: %s at %s\n", lastRun, finished.Format(time.RFC3339))
	}
	return nil
}

// runSweep applies the cache policies against the current input lists.
func runSweep(cmd *cobra.Command, args []string) error {
	clk := &clock.RealClock{}
	logger := log.GetLogger()

	cache, err := cachestore.New(cfg.Cache.Directory, cfg.Cache.TTL, clk, logger)
	if err != nil {
		return fmt.Errorf("opening payload cache: %w", err)
	}

	live, err := liveEntries(cfg)
	if err != nil {
		return err
	}

	stats := cache.Sweep(cachestore.SweepPolicy{
		Retention:   cfg.Cache.Retention,
		MaxBytes:    cfg.Cache.MaxBytes,
		TargetBytes: cfg.Cache.TargetBytes,
	}, live)

	fmt.Fprintf(cmd.OutOrStdout(), "sweep: %d expired, %d evicted, %d orphaned\n",
		stats.Expired, stats.Evicted, stats.Orphaned)
	return nil
}

// liveEntries unions the raw entries of all three input lists, the same set
// an update run would protect from the orphan pass.
func liveEntries(cfg *config.AppConfig) ([]string, error) {
	entries, err := readList(cfg.Inputs.Sources, rules.CleanSources)
	if err != nil {
		return nil, fmt.Errorf("reading source list: %w", err)
	}
	entries = append(entries, cfg.Inputs.ExtraSources...)

	allow, err := readList(cfg.Inputs.Allow, rules.CleanAllow)
	if err != nil {
		return nil, fmt.Errorf("reading allow overrides: %w", err)
	}
	deny, err := readList(cfg.Inputs.Deny, rules.CleanDeny)
	if err != nil {
		return nil, fmt.Errorf("reading deny overrides: %w", err)
	}

	live := make([]string, 0, len(entries)+len(allow)+len(deny))
	live = append(live, entries...)
	live = append(live, allow...)
	live = append(live, deny...)
	return live, nil
}

// readList opens one input list and runs the given cleaning pass over it.
func readList(path string, clean func(io.Reader) ([]string, rules.Stats, error)) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, _, err := clean(f)
	return entries, err
}

// application holds the wired pipeline and the resources it must release.
type application struct {
	updater *updater.Updater
	state   *fetchstate.Store
}

func (a *application) Close() {
	if err := a.state.Close(); err != nil {
		log.Warn(map[string]any{"error": err.Error()}, "state_close_failed")
	}
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*application, error) {
	// Shared clock for consistent time across all components.
	clk := &clock.RealClock{}
	logger := log.GetLogger()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	cache, err := cachestore.New(cfg.Cache.Directory, cfg.Cache.TTL, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload cache: %w", err)
	}

	state, err := fetchstate.Open(cfg.Cache.StateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open fetch state: %w", err)
	}

	journal, err := telemetry.New(cfg.Telemetry.File, clk, logger)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to open telemetry journal: %w", err)
	}

	engine, err := fetch.New(fetch.Options{
		Cache:          cache,
		State:          state,
		Journal:        journal,
		ConnectTimeout: cfg.Fetch.ConnectTimeout,
		Timeout:        cfg.Fetch.Timeout,
		MaxBytes:       cfg.Fetch.MaxBytes,
		SuspectBytes:   cfg.Fetch.SuspectBytes,
		Retries:        cfg.Fetch.Retries,
		Workers:        cfg.Fetch.Workers,
		RatePerSecond:  cfg.Fetch.RatePerSecond,
		UserAgent:      cfg.Fetch.UserAgent,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to build fetch engine: %w", err)
	}

	assembler, err := assemble.New(assemble.Config{
		ArtifactPath: cfg.Output.Artifact,
		ReportPath:   cfg.Output.Report,
		Title:        cfg.Output.Title,
		Version:      version,
		Location:     loc,
		AnomalyPct:   cfg.Output.AnomalyPct,
		AdvisoryPct:  cfg.Output.AdvisoryPct,
	}, clk, logger)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to build assembler: %w", err)
	}

	svc, err := updater.New(updater.Options{
		Config:    cfg,
		Fetcher:   engine,
		Assembler: assembler,
		Cache:     cache,
		State:     state,
		Journal:   journal,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to build updater: %w", err)
	}

	return &application{updater: svc, state: state}, nil
}

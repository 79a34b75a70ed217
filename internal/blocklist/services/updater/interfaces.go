package updater

import (
	"context"
	"time"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/assemble"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/cachestore"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/repos/telemetry"
)

// Fetcher downloads every source entry and returns the raw rule buffer in
// source-list order.
type Fetcher interface {
	FetchAll(ctx context.Context, runID string, entries []string) ([]byte, domain.FetchStats, error)
}

// Assembler writes the artifact, sidecar, backups, and report.
type Assembler interface {
	Run(in assemble.Input) (assemble.Result, error)
}

// PayloadSweeper applies the cache eviction policies after a run.
type PayloadSweeper interface {
	Sweep(pol cachestore.SweepPolicy, live []string) cachestore.SweepStats
}

// StateStore is pruned of deconfigured sources and stamped per run.
type StateStore interface {
	Prune(live []domain.Source) (int, error)
	SetRunMeta(runID string, finished time.Time) error
}

// Journal is trimmed to the telemetry retention window after a run.
type Journal interface {
	Trim(cutoff time.Time) (telemetry.TrimStats, error)
}

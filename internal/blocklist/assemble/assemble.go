// Package assemble merges override entries and the normalized network set
// into the output artifact. It rotates backup generations before every
// overwrite, writes and re-verifies a checksum sidecar, guards against
// anomalous rule-count collapse, and renders the human report.
package assemble

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/clock"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/log"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/dedup"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

var (
	// ErrEmptyResult is returned when the combined rule set is empty. The
	// previous artifact and its backups are left untouched.
	ErrEmptyResult = errors.New("assembled rule set is empty")

	// ErrChecksumMismatch means the sidecar did not verify against the
	// artifact immediately after the write. This implies a write-path bug
	// and is fatal.
	ErrChecksumMismatch = errors.New("checksum verification failed")
)

// maxGenerations is the number of rotated backups kept, newest first.
const maxGenerations = 3

// Config locates the outputs and sets the anomaly thresholds.
type Config struct {
	// ArtifactPath is the assembled rule list. Its checksum sidecar and
	// backup generations derive from this path.
	ArtifactPath string

	// ReportPath is the human-readable duplicate/anomaly report.
	ReportPath string

	// Title and Version appear in the artifact header.
	Title   string
	Version string

	// Location renders the header timestamp; nil means UTC.
	Location *time.Location

	// AnomalyPct is the rule-count drop percentage that adds an anomaly
	// section to the report. AdvisoryPct only logs a warning.
	AnomalyPct  float64
	AdvisoryPct float64
}

// Input carries one run's accumulated sets and counters.
type Input struct {
	RunID    string
	Allow    []string
	Deny     []string
	Network  []string
	Sources  int
	Stats    domain.FetchStats
	Findings []dedup.Finding
}

// Result summarizes what was written.
type Result struct {
	RuleCount     int
	PrevRuleCount int
	DropPct       float64
	Anomaly       bool
	Bytes         int
	Checksum      string
}

// Assembler writes the artifact and report. Construct with New.
type Assembler struct {
	cfg   Config
	loc   *time.Location
	clock clock.Clock
	log   log.Logger
}

// New validates the configuration and ensures the output directories exist.
func New(cfg Config, clk clock.Clock, logger log.Logger) (*Assembler, error) {
	if cfg.ArtifactPath == "" {
		return nil, errors.New("artifact path is required")
	}
	if cfg.ReportPath == "" {
		return nil, errors.New("report path is required")
	}
	if cfg.Title == "" {
		return nil, errors.New("artifact title is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.AnomalyPct <= 0 {
		cfg.AnomalyPct = 50
	}
	if cfg.AdvisoryPct <= 0 {
		cfg.AdvisoryPct = 30
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	for _, p := range []string{cfg.ArtifactPath, cfg.ReportPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	return &Assembler{cfg: cfg, loc: loc, clock: clk, log: logger}, nil
}

// Run assembles the artifact from the input sets. The empty-set guard fires
// before any filesystem mutation, so a collapsed run can never clobber a
// good artifact.
func (a *Assembler) Run(in Input) (Result, error) {
	allow := sortedCopy(in.Allow)
	deny := sortedCopy(in.Deny)
	network := sortedCopy(in.Network)

	total := len(allow) + len(deny) + len(network)
	if total == 0 {
		return Result{}, ErrEmptyResult
	}

	now := a.clock.Now()
	body := renderBody(allow, deny, network)
	header := a.resolveHeader(in, total, len(body), now)
	artifact := header + body

	prev, hasPrev := readPrevCount(a.cfg.ArtifactPath)

	if err := a.writeArtifact([]byte(artifact)); err != nil {
		return Result{}, err
	}
	checksum, err := a.verifyArtifact()
	if err != nil {
		return Result{}, err
	}

	res := Result{
		RuleCount:     total,
		PrevRuleCount: prev,
		Bytes:         len(artifact),
		Checksum:      checksum,
	}
	if hasPrev && prev > 0 && total < prev {
		res.DropPct = float64(prev-total) / float64(prev) * 100
	}
	switch {
	case res.DropPct > a.cfg.AnomalyPct:
		res.Anomaly = true
		a.log.Warn(map[string]any{
			"previous": prev,
			"current":  total,
			"drop_pct": fmt.Sprintf("%.1f", res.DropPct),
			"backup":   a.genPath(1),
		}, "rule_count_anomaly")
	case res.DropPct > a.cfg.AdvisoryPct:
		a.log.Warn(map[string]any{
			"previous": prev,
			"current":  total,
			"drop_pct": fmt.Sprintf("%.1f", res.DropPct),
		}, "rule_count_drop_advisory")
	}

	if err := a.writeReport(in, res, now); err != nil {
		return Result{}, err
	}

	a.log.Info(map[string]any{
		"rules":    total,
		"bytes":    res.Bytes,
		"checksum": checksum,
		"artifact": a.cfg.ArtifactPath,
	}, "artifact_assembled")
	return res, nil
}

// resolveHeader renders the header with the resolved artifact size. The size
// field counts the header itself, so the render iterates to a fixed point;
// it settles within a few rounds because only the digit width can move.
func (a *Assembler) resolveHeader(in Input, total, bodyLen int, now time.Time) string {
	size := bodyLen
	var header string
	for i := 0; i < 4; i++ {
		header = a.renderHeader(in, total, size, now)
		resolved := len(header) + bodyLen
		if resolved == size {
			break
		}
		size = resolved
	}
	return header
}

func (a *Assembler) renderHeader(in Input, total, size int, now time.Time) string {
	status := "ok"
	if in.Stats.Failures > 0 {
		status = fmt.Sprintf("partial: %d/%d sources", in.Stats.Successes, in.Sources)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "! Title: %s\n", a.cfg.Title)
	fmt.Fprintf(&b, "! Version: %s\n", a.cfg.Version)
	fmt.Fprintf(&b, "! Updated: %s\n", now.In(a.loc).Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "! Total rules: %d\n", total)
	fmt.Fprintf(&b, "! Sources: %d\n", in.Sources)
	fmt.Fprintf(&b, "! Allow overrides: %d\n", len(in.Allow))
	fmt.Fprintf(&b, "! Deny overrides: %d\n", len(in.Deny))
	fmt.Fprintf(&b, "! Size: %d bytes\n", size)
	fmt.Fprintf(&b, "! Status: %s\n", status)
	b.WriteString("!\n")
	return b.String()
}

// renderBody emits the fixed section order: allow, deny, network.
func renderBody(allow, deny, network []string) string {
	var b strings.Builder
	for _, section := range [][]string{allow, deny, network} {
		for _, line := range section {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func sortedCopy(entries []string) []string {
	out := append([]string(nil), entries...)
	sort.Strings(out)
	return out
}

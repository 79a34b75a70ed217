package assemble

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// writeReport renders the human report: run summary, duplicate findings, and
// the anomaly section when the guard fired. Written atomically so a reader
// never sees a half-rendered report.
func (a *Assembler) writeReport(in Input, res Result, now time.Time) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s report\n", a.cfg.Title)
	fmt.Fprintf(&b, "Generated: %s\n", now.In(a.loc).Format("2006-01-02 15:04:05 MST"))
	if in.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", in.RunID)
	}
	b.WriteByte('\n')

	fmt.Fprintf(&b, "Sources: %d configured, %d fetched, %d failed (%d cache hits, %d revalidated)\n",
		in.Sources, in.Stats.Successes, in.Stats.Failures, in.Stats.CacheHits, in.Stats.NotModified)
	fmt.Fprintf(&b, "Rules: %d total (%d allow, %d deny, %d network)\n",
		res.RuleCount, len(in.Allow), len(in.Deny), len(in.Network))
	b.WriteByte('\n')

	fmt.Fprintf(&b, "Duplicate deny overrides: %d\n", len(in.Findings))
	for _, f := range in.Findings {
		fmt.Fprintf(&b, "  %s -> %s (%s)\n", f.Entry, f.Matched, f.Form)
	}

	if res.Anomaly {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "ANOMALY: rule count dropped %.1f%% (from %d to %d)\n",
			res.DropPct, res.PrevRuleCount, res.RuleCount)
		fmt.Fprintf(&b, "  Previous artifact retained at: %s\n", a.genPath(1))
		b.WriteString("  Verify the sources before trusting this artifact.\n")
	}

	return a.atomicWrite(a.cfg.ReportPath, []byte(b.String()))
}

func (a *Assembler) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create scratch report: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write scratch report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close scratch report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("promote report: %w", err)
	}
	return nil
}

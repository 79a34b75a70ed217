package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/clock"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/common/log"
	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.tsv")
	store, err := New(path, &clock.MockClock{CurrentTime: testNow}, log.NewNoopLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return store, path
}

func mustRecord(t *testing.T, ts time.Time, outcome domain.Outcome, source string, d time.Duration, ruleCount int, detail string) domain.TelemetryRecord {
	t.Helper()
	rec, err := domain.NewTelemetryRecord(ts, "run-1", outcome, source, d, ruleCount, detail)
	if err != nil {
		t.Fatalf("NewTelemetryRecord returned error: %v", err)
	}
	return rec
}

func TestStore_AppendAndAnalyze(t *testing.T) {
	store, _ := newTestStore(t)

	records := []domain.TelemetryRecord{
		mustRecord(t, testNow.Add(-3*time.Hour), domain.OutcomeSuccess, "https://a.example/x", 100*time.Millisecond, 500, ""),
		mustRecord(t, testNow.Add(-2*time.Hour), domain.OutcomeSuccess, "https://b.example/y", 300*time.Millisecond, 700, ""),
		mustRecord(t, testNow.Add(-90*time.Minute), domain.OutcomeFailure, "https://c.example/z", 0, 0, "connect timeout"),
		mustRecord(t, testNow.Add(-60*time.Minute), domain.OutcomeFailure, "https://c.example/z", 0, 0, "connect timeout"),
		mustRecord(t, testNow.Add(-30*time.Minute), domain.OutcomeFailure, "https://d.example/w", 0, 0, "status 503"),
	}
	for _, rec := range records {
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	summary, err := store.Analyze(0, 2)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}

	if summary.Successes != 2 {
		t.Errorf("Successes = %d, want 2", summary.Successes)
	}
	if summary.Failures != 3 {
		t.Errorf("Failures = %d, want 3", summary.Failures)
	}
	if summary.AvgSuccess != 200*time.Millisecond {
		t.Errorf("AvgSuccess = %v, want 200ms", summary.AvgSuccess)
	}
	if summary.FastestSuccess != 100*time.Millisecond {
		t.Errorf("FastestSuccess = %v, want 100ms", summary.FastestSuccess)
	}
	if summary.SlowestSuccess != 300*time.Millisecond {
		t.Errorf("SlowestSuccess = %v, want 300ms", summary.SlowestSuccess)
	}

	if len(summary.TopFailing) != 2 {
		t.Fatalf("TopFailing length = %d, want 2", len(summary.TopFailing))
	}
	if summary.TopFailing[0].Source != "https://c.example/z" || summary.TopFailing[0].Failures != 2 {
		t.Errorf("TopFailing[0] = %+v", summary.TopFailing[0])
	}
	if summary.TopFailing[1].Source != "https://d.example/w" || summary.TopFailing[1].Failures != 1 {
		t.Errorf("TopFailing[1] = %+v", summary.TopFailing[1])
	}
}

func TestStore_Analyze_WindowFiltering(t *testing.T) {
	store, _ := newTestStore(t)

	old := mustRecord(t, testNow.Add(-2*time.Hour), domain.OutcomeFailure, "https://old.example/x", 0, 0, "timeout")
	recent := mustRecord(t, testNow.Add(-30*time.Minute), domain.OutcomeSuccess, "https://new.example/y", 50*time.Millisecond, 10, "")
	for _, rec := range []domain.TelemetryRecord{old, recent} {
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	summary, err := store.Analyze(time.Hour, 5)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if summary.Failures != 0 {
		t.Errorf("Failures = %d, want 0 (outside window)", summary.Failures)
	}
	if summary.Successes != 1 {
		t.Errorf("Successes = %d, want 1", summary.Successes)
	}
}

func TestStore_Analyze_MissingFile(t *testing.T) {
	store, _ := newTestStore(t)
	summary, err := store.Analyze(time.Hour, 3)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if summary.Successes != 0 || summary.Failures != 0 {
		t.Errorf("expected empty summary, got %+v", summary)
	}
}

func TestStore_Trim_DropsOldKeepsRecent(t *testing.T) {
	store, path := newTestStore(t)

	old := mustRecord(t, testNow.Add(-48*time.Hour), domain.OutcomeSuccess, "https://old.example/x", time.Second, 5, "")
	recent := mustRecord(t, testNow.Add(-1*time.Hour), domain.OutcomeSuccess, "https://new.example/y", time.Second, 7, "")
	for _, rec := range []domain.TelemetryRecord{old, recent} {
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	stats, err := store.Trim(testNow.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Trim returned error: %v", err)
	}
	if stats.Scanned != 2 || stats.Kept != 1 || stats.Dropped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Tombstoned {
		t.Error("Tombstoned = true, want false when records survive")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	contents := string(data)
	if strings.Contains(contents, "old.example") {
		t.Errorf("expired record survived trim:\n%s", contents)
	}
	if !strings.Contains(contents, "new.example") {
		t.Errorf("recent record missing after trim:\n%s", contents)
	}
}

func TestStore_Trim_TombstoneWhenAllExpire(t *testing.T) {
	store, path := newTestStore(t)

	older := mustRecord(t, testNow.Add(-72*time.Hour), domain.OutcomeFailure, "https://a.example/x", 0, 0, "timeout")
	newest := mustRecord(t, testNow.Add(-48*time.Hour), domain.OutcomeSuccess, "https://b.example/y", time.Second, 9, "")
	for _, rec := range []domain.TelemetryRecord{older, newest} {
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	stats, err := store.Trim(testNow.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Trim returned error: %v", err)
	}
	if !stats.Tombstoned {
		t.Fatal("expected tombstone when all records expire")
	}
	if stats.Kept != 0 {
		t.Errorf("Kept = %d, want 0", stats.Kept)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly 1 line after trim, got %d:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "# tombstone ") {
		t.Errorf("line is not a tombstone: %q", lines[0])
	}
	// The newest record is the one preserved.
	if !strings.Contains(lines[0], "b.example") {
		t.Errorf("tombstone does not carry the newest record: %q", lines[0])
	}

	// The tombstone is a comment: analysis must not count it.
	summary, err := store.Analyze(0, 5)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if summary.Successes != 0 || summary.Failures != 0 || summary.Malformed != 0 {
		t.Errorf("tombstone leaked into analysis: %+v", summary)
	}
}

func TestStore_Trim_PreservesTombstoneAcrossPasses(t *testing.T) {
	store, path := newTestStore(t)

	rec := mustRecord(t, testNow.Add(-48*time.Hour), domain.OutcomeSuccess, "https://a.example/x", time.Second, 3, "")
	if err := store.Append(rec); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	if _, err := store.Trim(testNow.Add(-24 * time.Hour)); err != nil {
		t.Fatalf("first Trim returned error: %v", err)
	}
	stats, err := store.Trim(testNow.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("second Trim returned error: %v", err)
	}
	if !stats.Tombstoned {
		t.Error("expected existing tombstone to be carried forward")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	if !strings.HasPrefix(string(data), "# tombstone ") {
		t.Errorf("tombstone lost on second trim:\n%s", data)
	}
}

func TestStore_Trim_DropsMalformedLines(t *testing.T) {
	store, path := newTestStore(t)

	rec := mustRecord(t, testNow.Add(-time.Hour), domain.OutcomeSuccess, "https://a.example/x", time.Second, 3, "")
	if err := store.Append(rec); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	if _, err := f.WriteString("this is not a telemetry record\n"); err != nil {
		t.Fatalf("injecting junk: %v", err)
	}
	_ = f.Close()

	stats, err := store.Trim(testNow.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Trim returned error: %v", err)
	}
	if stats.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", stats.Malformed)
	}
	if stats.Kept != 1 {
		t.Errorf("Kept = %d, want 1", stats.Kept)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	if strings.Contains(string(data), "not a telemetry record") {
		t.Errorf("malformed line survived trim:\n%s", data)
	}
}

func TestStore_Trim_MissingFile(t *testing.T) {
	store, _ := newTestStore(t)
	stats, err := store.Trim(testNow)
	if err != nil {
		t.Fatalf("Trim returned error: %v", err)
	}
	if stats.Scanned != 0 {
		t.Errorf("Scanned = %d, want 0", stats.Scanned)
	}
}

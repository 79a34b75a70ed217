package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/config"
)

// writeTestConfig writes a minimal YAML config rooted in dir. Everything not
// listed here comes from the struct defaults.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	content := fmt.Sprintf(`env: dev
log:
  level: error
inputs:
  sources: %[1]s/sources.list
  allow: %[1]s/allow.list
  deny: %[1]s/deny.list
cache:
  dir: %[1]s/cache
  state_db: %[1]s/state.db
fetch:
  workers: 2
output:
  artifact: %[1]s/out/rules.txt
  report: %[1]s/out/report.txt
  title: integration test blocklist
telemetry:
  file: %[1]s/telemetry.tsv
`, dir)
	path := filepath.Join(dir, "my-rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeInputs(t *testing.T, dir string, sources []string) {
	t.Helper()
	var list bytes.Buffer
	list.WriteString("# fetched feeds\n")
	for _, s := range sources {
		fmt.Fprintln(&list, s)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sources.list"), list.Bytes(), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "allow.list"),
		[]byte("@@||cdn.example.com^\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deny.list"),
		[]byte("forced.example.org # ticket 412\n"), 0644))
}

// execute runs the CLI the way main would, capturing stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestBuildApplication_WiresAllComponents(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, []string{"https://feeds.example.com/list.txt"})
	cfgFile := writeTestConfig(t, dir)

	cfg, err := config.Load(cfgFile)
	require.NoError(t, err)

	app, err := buildApplication(cfg)
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.updater)
	assert.NotNil(t, app.state)
}

func TestBuildApplication_UnwritableCacheDir(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, []string{"https://feeds.example.com/list.txt"})
	cfgFile := writeTestConfig(t, dir)

	// A regular file where the cache directory should be makes MkdirAll fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache"), []byte("x"), 0644))

	cfg, err := config.Load(cfgFile)
	require.NoError(t, err)

	app, err := buildApplication(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "payload cache")
	assert.Nil(t, app)
}

// TestE2E_UpdateCheckStats drives the real commands end-to-end: an update
// against a live HTTP server, then check and stats against its outputs.
func TestE2E_UpdateCheckStats(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "! upstream header\n"+
			"||ads.example.com^\n"+
			"||tracker.example.net^\n"+
			"0.0.0.0 hosted.example.org\n")
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeInputs(t, dir, []string{srv.URL + "/feed.txt"})
	cfgFile := writeTestConfig(t, dir)

	out, _, err := execute(t, "--config", cfgFile, "update", "--run-id", "e2e-run")
	require.NoError(t, err)
	assert.Contains(t, out, "run e2e-run finished")
	assert.Contains(t, out, "sources: 1 fetched, 0 failed")

	artifact, err := os.ReadFile(filepath.Join(dir, "out", "rules.txt"))
	require.NoError(t, err)
	content := string(artifact)
	assert.Contains(t, content, "! Title: integration test blocklist")
	assert.Contains(t, content, "@@||cdn.example.com^")
	assert.Contains(t, content, "forced.example.org")
	assert.Contains(t, content, "||ads.example.com^")
	assert.Contains(t, content, "||tracker.example.net^")
	// The hosts-format line does not match the canonical grammar.
	assert.NotContains(t, content, "hosted.example.org")

	_, err = os.Stat(filepath.Join(dir, "out", "rules.txt.sha256"))
	assert.NoError(t, err)
	report, err := os.ReadFile(filepath.Join(dir, "out", "report.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "Run: e2e-run")

	out, _, err = execute(t, "--config", cfgFile, "check", "pixel.ads.example.com", "example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "BLOCKED  pixel.ads.example.com  (||ads.example.com^)")
	assert.Contains(t, out, "ok       example.org")

	out, _, err = execute(t, "--config", cfgFile, "stats", "--window", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "successes: 1  failures: 0")
	assert.Contains(t, out, "last run: e2e-run")
}

func TestE2E_SweepCommand(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, []string{"https://feeds.example.com/list.txt"})
	cfgFile := writeTestConfig(t, dir)

	// An unknown cache entry is orphaned on the first sweep.
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "deadbeef00000000.list"), []byte("||x.example^\n"), 0644))

	out, _, err := execute(t, "--config", cfgFile, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "1 orphaned")
}

func TestUpdate_WorkersFlagBounds(t *testing.T) {
	dir := t.TempDir()
	writeInputs(t, dir, []string{"https://feeds.example.com/list.txt"})
	cfgFile := writeTestConfig(t, dir)
	t.Cleanup(func() { workers = 0 })

	_, _, err := execute(t, "--config", cfgFile, "update", "--workers", "65")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between 0 and 64")
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

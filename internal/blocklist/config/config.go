package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

// AppConfig holds the full pipeline configuration, assembled from defaults,
// an optional config file, and RULES_-prefixed environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// Timezone names the IANA zone used for human-readable artifact timestamps.
	Timezone string `koanf:"timezone" validate:"required,timezone"`

	Log       LoggingConfig   `koanf:"log"`
	Inputs    InputsConfig    `koanf:"inputs"`
	Cache     CacheConfig     `koanf:"cache"`
	Fetch     FetchConfig     `koanf:"fetch"`
	Output    OutputConfig    `koanf:"output"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// InputsConfig names the three operator-maintained input files.
type InputsConfig struct {
	// Sources is the path of the remote source URL list.
	Sources string `koanf:"sources" validate:"required"`

	// Allow is the path of the allow-override list.
	Allow string `koanf:"allow" validate:"required"`

	// Deny is the path of the deny-override list.
	Deny string `koanf:"deny" validate:"required"`

	// ExtraSources are additional source URLs appended to the sources file,
	// typically injected via RULES_INPUTS_EXTRA_SOURCES for one-off feeds.
	ExtraSources []string `koanf:"extra_sources" validate:"omitempty,dive,source_url"`
}

// CacheConfig controls the content-addressable payload cache.
type CacheConfig struct {
	// Directory is where cached payloads live, one file per source digest.
	Directory string `koanf:"dir" validate:"required"`

	// TTL is the maximum entry age eligible for reuse without a refetch.
	TTL time.Duration `koanf:"ttl" validate:"required,gt=0"`

	// Retention is the age past which sweep deletes entries unconditionally.
	Retention time.Duration `koanf:"retention" validate:"required,gt=0"`

	// MaxBytes caps the total cache size before sweep evicts oldest-first.
	MaxBytes int64 `koanf:"max_bytes" validate:"required,gt=0"`

	// TargetBytes is the low-water mark eviction shrinks the cache down to.
	TargetBytes int64 `koanf:"target_bytes" validate:"required,gt=0,ltefield=MaxBytes"`

	// StateDB is the bbolt file holding per-source fetch state (validators,
	// failure streaks, last-success timestamps).
	StateDB string `koanf:"state_db" validate:"required"`
}

// FetchConfig controls the download engine.
type FetchConfig struct {
	// ConnectTimeout bounds TCP/TLS establishment per attempt.
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"required,gt=0"`

	// Timeout bounds a whole request including the body transfer.
	Timeout time.Duration `koanf:"timeout" validate:"required,gt=0"`

	// MaxBytes aborts any payload transfer larger than this.
	MaxBytes int64 `koanf:"max_bytes" validate:"required,gt=0"`

	// Retries is the number of extra attempts after a transient failure.
	Retries int `koanf:"retries" validate:"gte=0,lte=10"`

	// SuspectBytes is the size floor below which a payload is screened with
	// the error-page heuristic before being accepted.
	SuspectBytes int64 `koanf:"suspect_bytes" validate:"required,gt=0"`

	// Workers is the fetch concurrency; 1 means strictly sequential.
	Workers int `koanf:"workers" validate:"required,gte=1,lte=64"`

	// RatePerSecond caps outbound request starts in parallel mode; 0 disables
	// pacing.
	RatePerSecond float64 `koanf:"rate" validate:"gte=0"`

	// UserAgent is sent with every request.
	UserAgent string `koanf:"user_agent" validate:"required"`
}

// OutputConfig controls artifact and report rendering.
type OutputConfig struct {
	// Artifact is the assembled rule list path.
	Artifact string `koanf:"artifact" validate:"required"`

	// Report is the duplicate/anomaly report path.
	Report string `koanf:"report" validate:"required"`

	// Title appears in the artifact header.
	Title string `koanf:"title" validate:"required"`

	// AnomalyPct is the rule-count drop percentage that triggers an anomaly
	// entry in the report.
	AnomalyPct float64 `koanf:"anomaly_pct" validate:"required,gt=0,lte=100"`

	// AdvisoryPct is the lower drop percentage that only logs a warning.
	AdvisoryPct float64 `koanf:"advisory_pct" validate:"required,gt=0,lte=100,ltfield=AnomalyPct"`
}

// TelemetryConfig controls the append-only fetch journal.
type TelemetryConfig struct {
	// File is the journal path.
	File string `koanf:"file" validate:"required"`

	// Retention is the age past which Trim drops journal records.
	Retention time.Duration `koanf:"retention" validate:"required,gt=0"`
}

// DEFAULT_APP_CONFIG defines the default pipeline configuration: system paths
// under /etc and /var, the 6 hour reuse TTL, the 7 day cache retention, and
// conservative fetch limits.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:      "prod",
	Timezone: "UTC",
	Log:      LoggingConfig{Level: "info"},
	Inputs: InputsConfig{
		Sources: "/etc/my-rules/sources.list",
		Allow:   "/etc/my-rules/allow.list",
		Deny:    "/etc/my-rules/deny.list",
	},
	Cache: CacheConfig{
		Directory:   "/var/cache/my-rules/feeds/",
		TTL:         6 * time.Hour,
		Retention:   7 * 24 * time.Hour,
		MaxBytes:    512 << 20,
		TargetBytes: 384 << 20,
		StateDB:     "/var/cache/my-rules/state.db",
	},
	Fetch: FetchConfig{
		ConnectTimeout: 10 * time.Second,
		Timeout:        2 * time.Minute,
		MaxBytes:       100 << 20,
		Retries:        2,
		SuspectBytes:   4096,
		Workers:        1,
		RatePerSecond:  0,
		UserAgent:      "my-rules/1.0",
	},
	Output: OutputConfig{
		Artifact:    "/var/lib/my-rules/rules.txt",
		Report:      "/var/lib/my-rules/report.txt",
		Title:       "my-rules consolidated blocklist",
		AnomalyPct:  50,
		AdvisoryPct: 30,
	},
	Telemetry: TelemetryConfig{
		File:      "/var/lib/my-rules/telemetry.tsv",
		Retention: 30 * 24 * time.Hour,
	},
}

// envKeyMap translates flat RULES_* variable names to nested koanf paths.
// The table is explicit because underscores in variable names are ambiguous
// between word separators and nesting boundaries.
var envKeyMap = map[string]string{
	"ENV":                   "env",
	"TIMEZONE":              "timezone",
	"LOG_LEVEL":             "log.level",
	"INPUTS_SOURCES":        "inputs.sources",
	"INPUTS_ALLOW":          "inputs.allow",
	"INPUTS_DENY":           "inputs.deny",
	"INPUTS_EXTRA_SOURCES":  "inputs.extra_sources",
	"CACHE_DIR":             "cache.dir",
	"CACHE_TTL":             "cache.ttl",
	"CACHE_RETENTION":       "cache.retention",
	"CACHE_MAX_BYTES":       "cache.max_bytes",
	"CACHE_TARGET_BYTES":    "cache.target_bytes",
	"CACHE_STATE_DB":        "cache.state_db",
	"FETCH_CONNECT_TIMEOUT": "fetch.connect_timeout",
	"FETCH_TIMEOUT":         "fetch.timeout",
	"FETCH_MAX_BYTES":       "fetch.max_bytes",
	"FETCH_RETRIES":         "fetch.retries",
	"FETCH_SUSPECT_BYTES":   "fetch.suspect_bytes",
	"FETCH_WORKERS":         "fetch.workers",
	"FETCH_RATE":            "fetch.rate",
	"FETCH_USER_AGENT":      "fetch.user_agent",
	"OUTPUT_ARTIFACT":       "output.artifact",
	"OUTPUT_REPORT":         "output.report",
	"OUTPUT_TITLE":          "output.title",
	"OUTPUT_ANOMALY_PCT":    "output.anomaly_pct",
	"OUTPUT_ADVISORY_PCT":   "output.advisory_pct",
	"TELEMETRY_FILE":        "telemetry.file",
	"TELEMETRY_RETENTION":   "telemetry.retention",
}

// validSourceURL validates a single source URL using the same rules the
// ingestion path applies, so a bad RULES_INPUTS_EXTRA_SOURCES entry fails at
// startup instead of mid-run.
func validSourceURL(fl validator.FieldLevel) bool {
	_, err := domain.NewSource(fl.Field().String())
	return err == nil
}

// envLoader loads environment variables with the prefix "RULES_", mapping
// them to nested keys via envKeyMap. Unknown RULES_ variables are ignored.
// It is a package variable so tests can mock load failures.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "RULES_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToUpper(strings.TrimPrefix(key, "RULES_"))
			mapped, ok := envKeyMap[key]
			if !ok {
				return "", nil
			}
			value = strings.TrimSpace(value)
			// Only the extra-sources key is list-valued; splitting every
			// value would mangle free text such as the user agent.
			if mapped == "inputs.extra_sources" && value != "" {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return mapped, parts
			}
			return mapped, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG into the provided Koanf instance
// using the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads an optional config file, choosing the parser by extension.
var fileLoader = func(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("unsupported config file extension: %s", path)
	}
	return k.Load(file.Provider(path), parser)
}

// registerValidation registers the custom "source_url" rule with the
// provided validator.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("source_url", validSourceURL)
}

// Load builds an AppConfig by layering struct defaults, an optional config
// file (YAML, JSON, or TOML, chosen by extension; empty path skips the
// layer), and RULES_-prefixed environment variables, then validating the
// result. Later layers win.
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// Location resolves the configured timezone. Validation guarantees the name
// loads, so an error here means the zone database changed underneath us.
func (c *AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

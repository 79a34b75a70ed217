package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Outcome classifies a single fetch attempt.
type Outcome uint8

const (
	// OutcomeSuccess means a payload was accepted (network, 304 revalidation,
	// or cache reuse).
	OutcomeSuccess Outcome = iota
	// OutcomeFailure means the source produced no usable payload.
	OutcomeFailure
)

// String returns a stable string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("Outcome(%d)", o)
	}
}

// ParseOutcome converts a string into an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return OutcomeSuccess, nil
	case "failure":
		return OutcomeFailure, nil
	default:
		return 0, fmt.Errorf("unsupported outcome: %q", s)
	}
}

// telemetryFieldCount is the fixed column count of the journal schema.
const telemetryFieldCount = 7

// TelemetryRecord is one structured journal entry describing the outcome of
// a single source fetch. Records are serialized as one tab-delimited line
// with a fixed column order so analysis never re-parses free text:
//
//	timestamp \t runID \t outcome \t source \t durationMs \t ruleCount \t detail
//
// Detail carries a one-line error summary for failures and is empty for
// successes. Tabs and newlines inside detail are flattened on encode.
type TelemetryRecord struct {
	Timestamp time.Time
	RunID     string
	Outcome   Outcome
	Source    string
	Duration  time.Duration
	RuleCount int
	Detail    string
}

// NewTelemetryRecord constructs a record and validates required fields.
func NewTelemetryRecord(ts time.Time, runID string, outcome Outcome, source string, d time.Duration, ruleCount int, detail string) (TelemetryRecord, error) {
	r := TelemetryRecord{
		Timestamp: ts,
		RunID:     strings.TrimSpace(runID),
		Outcome:   outcome,
		Source:    strings.TrimSpace(source),
		Duration:  d,
		RuleCount: ruleCount,
		Detail:    strings.TrimSpace(detail),
	}
	if err := r.Validate(); err != nil {
		return TelemetryRecord{}, err
	}
	return r, nil
}

// Validate checks the record for required fields.
func (r TelemetryRecord) Validate() error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("telemetry record timestamp must be set")
	}
	if r.RunID == "" {
		return fmt.Errorf("telemetry record run ID must not be empty")
	}
	if r.Source == "" {
		return fmt.Errorf("telemetry record source must not be empty")
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeFailure:
		// ok
	default:
		return fmt.Errorf("unsupported outcome: %d", r.Outcome)
	}
	return nil
}

// Line serializes the record as one journal line without a trailing newline.
func (r TelemetryRecord) Line() string {
	detail := r.Detail
	detail = strings.ReplaceAll(detail, "\t", " ")
	detail = strings.ReplaceAll(detail, "\n", " ")
	return strings.Join([]string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.RunID,
		r.Outcome.String(),
		r.Source,
		strconv.FormatInt(r.Duration.Milliseconds(), 10),
		strconv.Itoa(r.RuleCount),
		detail,
	}, "\t")
}

// ParseTelemetryLine decodes one journal line back into a record.
// Comment lines (tombstones) and blank lines are not records; callers skip
// them before parsing.
func ParseTelemetryLine(line string) (TelemetryRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != telemetryFieldCount {
		return TelemetryRecord{}, fmt.Errorf("telemetry line has %d fields, want %d", len(fields), telemetryFieldCount)
	}
	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return TelemetryRecord{}, fmt.Errorf("bad telemetry timestamp: %w", err)
	}
	outcome, err := ParseOutcome(fields[2])
	if err != nil {
		return TelemetryRecord{}, err
	}
	durMs, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return TelemetryRecord{}, fmt.Errorf("bad telemetry duration: %w", err)
	}
	ruleCount, err := strconv.Atoi(fields[5])
	if err != nil {
		return TelemetryRecord{}, fmt.Errorf("bad telemetry rule count: %w", err)
	}
	rec := TelemetryRecord{
		Timestamp: ts,
		RunID:     fields[1],
		Outcome:   outcome,
		Source:    fields[3],
		Duration:  time.Duration(durMs) * time.Millisecond,
		RuleCount: ruleCount,
		Detail:    fields[6],
	}
	if err := rec.Validate(); err != nil {
		return TelemetryRecord{}, err
	}
	return rec, nil
}

package domain

import "time"

// SourceState is the persisted per-source fetch metadata used to issue
// conditional requests and to track reliability across runs. Keyed by the
// source's cache digest in the state store.
type SourceState struct {
	ETag                string `json:"etag,omitempty"`
	LastModified        string `json:"last_modified,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	LastSuccessUnix     int64  `json:"last_success_unix,omitempty"`
}

// HasValidators reports whether the state carries HTTP revalidation headers.
func (s SourceState) HasValidators() bool {
	return s.ETag != "" || s.LastModified != ""
}

// LastSuccess returns the last successful fetch time, zero if never.
func (s SourceState) LastSuccess() time.Time {
	if s.LastSuccessUnix == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastSuccessUnix, 0).UTC()
}

// FetchStats aggregates the outcome counts of one download pass.
// CacheHits and NotModified are also counted in Successes.
type FetchStats struct {
	Successes   int
	Failures    int
	CacheHits   int
	NotModified int
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// MaxSourceURLLength bounds source URLs read from the source list. Anything
// longer is rejected before a network attempt is made.
const MaxSourceURLLength = 2048

// Source is a single remote rule list, identified by its URL.
// Immutable once constructed; the URL digest keys the payload cache.
type Source struct {
	URL string
}

// NewSource validates a raw source-list entry and returns a Source.
// Only absolute http/https URLs with a host are accepted.
func NewSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("source URL must not be empty")
	}
	if len(raw) > MaxSourceURLLength {
		return Source{}, fmt.Errorf("source URL exceeds %d characters", MaxSourceURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("invalid source URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		// ok
	default:
		return Source{}, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Source{}, fmt.Errorf("source URL missing host")
	}
	return Source{URL: raw}, nil
}

// CacheKey returns the content-addressable cache key for the source:
// the lowercase hex SHA-256 digest of the URL string.
func (s Source) CacheKey() string {
	return DigestKey(s.URL)
}

// String returns the source URL.
func (s Source) String() string { return s.URL }

// DigestKey computes the cache key for any URL string. Exposed separately so
// sweep logic can key override-list URLs the same way as network sources.
func DigestKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

package fetch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/rules"
)

// ErrLooksLikeErrorPage marks a 200 response whose body resembles a captive
// error page rather than a rule list.
var ErrLooksLikeErrorPage = errors.New("payload resembles an error page")

// screenLines bounds how far into the payload the marker scan looks.
const screenLines = 10

// errorPageMarkers flag a small payload as a disguised error page. Matched
// case-insensitively against the first lines only.
var errorPageMarkers = []string{
	"<!doctype",
	"<html",
	"<head",
	"<title",
	"not found",
	"forbidden",
	"access denied",
	"bad gateway",
	"service unavailable",
	"error",
}

// screen rejects a payload as a false success when all three hold: it is
// below the suspect-size floor, its first lines carry an HTML or error
// marker, and it contains no canonical rule line. Anything else is accepted,
// including an empty body.
func screen(payload []byte, suspectBytes int64) error {
	if int64(len(payload)) >= suspectBytes {
		return nil
	}
	if !hasErrorMarker(payload) {
		return nil
	}
	if countRuleLines(payload) > 0 {
		return nil
	}
	return fmt.Errorf("%w: %d bytes, no rule lines", ErrLooksLikeErrorPage, len(payload))
}

func hasErrorMarker(payload []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(payload))
	for n := 0; sc.Scan() && n < screenLines; n++ {
		line := strings.ToLower(sc.Text())
		for _, marker := range errorPageMarkers {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

// countRuleLines counts lines carrying the canonical rule prefix. A
// pre-normalization approximation used for telemetry and screening only.
func countRuleLines(payload []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if strings.HasPrefix(strings.TrimSpace(sc.Text()), rules.RulePrefix) {
			n++
		}
	}
	return n
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goodbey-DNS/my-rules/internal/blocklist/domain"
)

// ErrTooLarge marks a payload that exceeded the transfer size cap. Oversized
// transfers are aborted mid-stream and never retried.
var ErrTooLarge = errors.New("payload exceeds size limit")

// downloadResult carries the accepted network response for one source.
type downloadResult struct {
	payload      []byte
	etag         string
	lastModified string
	notModified  bool
}

// download drives the retry loop around single attempts. Transient failures
// (transport errors, 5xx, 408, 429) are retried up to the configured extra
// attempts, sleeping 2^attempt seconds between attempts. Permanent failures
// (other 4xx, oversized payloads) abort immediately.
func (e *Engine) download(ctx context.Context, src domain.Source, state domain.SourceState, haveStale bool) (downloadResult, error) {
	// Validators are only sent when the prior payload is still reusable.
	conditional := state.HasValidators() && haveStale

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			e.log.Debug(map[string]any{
				"source":  src.URL,
				"attempt": attempt,
				"error":   lastErr.Error(),
			}, "fetch_retry")
			e.sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return downloadResult{}, err
			}
		}

		res, transient, err := e.attempt(ctx, src, state, conditional)
		if err == nil {
			return res, nil
		}
		if !transient {
			return downloadResult{}, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return downloadResult{}, ctx.Err()
		}
	}
	return downloadResult{}, lastErr
}

// attempt performs one HTTP GET. The boolean reports whether a failure is
// worth retrying.
func (e *Engine) attempt(ctx context.Context, src domain.Source, state domain.SourceState, conditional bool) (downloadResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return downloadResult{}, false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	if conditional {
		if state.ETag != "" {
			req.Header.Set("If-None-Match", state.ETag)
		}
		if state.LastModified != "" {
			req.Header.Set("If-Modified-Since", state.LastModified)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return downloadResult{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return downloadResult{
			notModified:  true,
			etag:         state.ETag,
			lastModified: state.LastModified,
		}, false, nil
	case resp.StatusCode == http.StatusOK:
		// fall through to the body read
	case transientStatus(resp.StatusCode):
		return downloadResult{}, true, fmt.Errorf("unexpected status %s", resp.Status)
	default:
		return downloadResult{}, false, fmt.Errorf("unexpected status %s", resp.Status)
	}

	payload, err := readCapped(resp.Body, e.maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return downloadResult{}, false, err
		}
		return downloadResult{}, true, err
	}
	return downloadResult{
		payload:      payload,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}, false, nil
}

// transientStatus reports whether a response status is worth retrying.
func transientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

// readCapped reads at most max bytes from r, failing with ErrTooLarge when
// the stream runs past the cap.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return data, nil
}

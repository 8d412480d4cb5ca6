package httputil

import (
	"bytes"
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("httputil")

// UserAgent is sent with every request unless the caller sets one.
var UserAgent = "SyncBridge"

// RetryConfig bounds how often and how slowly a request is repeated.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// JitterFrac spreads each delay by up to this fraction either way.
	JitterFrac float64
}

// DefaultRetryConfig suits manifest, token and listing calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		JitterFrac:    0.3,
	}
}

// NoRetry makes exactly one attempt. Downloads use it since a retry would
// restart the whole body.
func NoRetry() RetryConfig { return RetryConfig{} }

// wait returns the pause before retry n (1-based). A positive hint from
// Retry-After wins over the computed backoff; both are capped at MaxDelay.
func (c RetryConfig) wait(n int, hint time.Duration) time.Duration {
	d := hint
	if d <= 0 {
		d = c.InitialDelay
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * c.BackoffFactor)
		}
		if c.JitterFrac > 0 {
			d += time.Duration(float64(d) * c.JitterFrac * (2*rand.Float64() - 1))
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return max(d, 0)
}

// retryable lists statuses worth another attempt. 401 and 403 are not among
// them: they need a new session.
func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do sends the request, repeating it on transport errors and retryable
// statuses. body is replayed on every attempt. The final attempt's response
// is returned whatever its status; only a transport failure on the last
// attempt or a cancelled ctx yields an error.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	reqLog := logging.FromContext(ctx)
	var (
		hint    time.Duration
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pause := cfg.wait(attempt, hint)
			reqLog.Debug("retrying request", "url", url, "attempt", attempt, "delay", pause)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pause):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, vs := range headers {
			req.Header[k] = append(req.Header[k], vs...)
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", UserAgent)
		}

		resp, err := client.Do(req)
		last := attempt >= cfg.MaxRetries
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, err
		case err != nil:
			lastErr, hint = err, 0
			if last {
				reqLog.Warn("request failed after retries", "method", method, "url", url,
					"attempts", attempt+1, logging.KeyError, lastErr)
				return nil, lastErr
			}
		case !retryable(resp.StatusCode) || last:
			return resp, nil
		default:
			hint = retryAfter(resp.Header.Get("Retry-After"), time.Now())
			resp.Body.Close()
		}
	}
}

// retryAfter parses a Retry-After value given in seconds or as an HTTP date.
// Unparseable or past values yield zero.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxRetryAfter caps how long a server Retry-After hint may stretch a backoff.
const MaxRetryAfter = 60 * time.Second

// RetryAfter parses a Retry-After header (delta-seconds or HTTP-date). It returns 0
// when the header is absent, unparseable or already in the past, so the
// orchestrator's own schedule applies.
func RetryAfter(h string) time.Duration {
	return retryAfterAt(h, time.Now())
}

func retryAfterAt(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	var d time.Duration
	if sec, err := strconv.Atoi(h); err == nil {
		if sec <= 0 {
			return 0
		}
		d = time.Duration(sec) * time.Second
	} else if t, err := http.ParseTime(h); err == nil {
		d = t.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	return min(d, MaxRetryAfter)
}

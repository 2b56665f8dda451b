package httpclient

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// Limiters paces outbound requests per portal host. Portals commonly ban a MAC
// that hammers load.php, so probing several dialects back to back is spread out.
type Limiters struct {
	perHost *xsync.MapOf[string, *rate.Limiter]
	rps     rate.Limit
	burst   int
}

// NewLimiters returns per-host limiters allowing rps requests per second with the given burst.
// rps <= 0 disables pacing.
func NewLimiters(rps float64, burst int) *Limiters {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limiters{
		perHost: xsync.NewMapOf[string, *rate.Limiter](),
		rps:     limit,
		burst:   burst,
	}
}

// Wait blocks until a request to rawURL's host may proceed.
func (l *Limiters) Wait(ctx context.Context, rawURL string) error {
	if l == nil || l.rps == rate.Inf {
		return nil
	}
	lim, _ := l.perHost.LoadOrCompute(hostKey(rawURL), func() *rate.Limiter {
		return rate.NewLimiter(l.rps, l.burst)
	})
	return lim.Wait(ctx)
}

package httpclient

import (
	"context"
	"net/url"

	"github.com/puzpuzpuz/xsync/v3"
)

// HostSemaphore caps in-flight requests per portal host. Probing walks several
// templates against one portal while resolves may run alongside a fetch; portals
// tend to ban a device identifier that opens too many connections at once.
//
//	release, err := sem.Acquire(ctx, rawURL)
//	if err != nil { ... }
//	defer release()
type HostSemaphore struct {
	slots *xsync.MapOf[string, chan struct{}]
	limit int
}

// GlobalHostSem is used by a Fetcher without its own semaphore.
var GlobalHostSem = NewHostSemaphore(4)

func NewHostSemaphore(concurrency int) *HostSemaphore {
	return &HostSemaphore{
		slots: xsync.NewMapOf[string, chan struct{}](),
		limit: max(concurrency, 1),
	}
}

// Acquire blocks until rawURL's host has a free slot or ctx is done.
func (h *HostSemaphore) Acquire(ctx context.Context, rawURL string) (func(), error) {
	sem, _ := h.slots.LoadOrCompute(hostKey(rawURL), func() chan struct{} {
		return make(chan struct{}, h.limit)
	})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// hostKey reduces a URL to scheme://host; anything unparseable is its own key.
func hostKey(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	return raw
}

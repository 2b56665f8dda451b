package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/snapetech/stbportal/internal/httpclient"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/portalerr"
	"github.com/snapetech/stbportal/internal/safeurl"
)

// CheckPortal fetches the portal's index page. Any answer below 500 counts as
// reachable: many portals 404 or 403 the bare index yet serve the API. Returns a
// classified *portalerr.Error when the portal is down.
func CheckPortal(ctx context.Context, id portal.Identity) error {
	if err := id.Validate(); err != nil {
		return portalerr.Wrap(portalerr.AuthenticationFailure, "health", err)
	}
	u := id.Base() + "/"
	f := &httpclient.Fetcher{}
	resp, err := f.Get(ctx, httpclient.Default(), u, nil)
	if err != nil {
		return portalerr.FromTransport("health", fmt.Errorf("portal unreachable (%s): %w", safeurl.Redact(u), err))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return portalerr.FromStatus("health", resp.StatusCode, httpclient.RetryAfter(resp.Header.Get("Retry-After")))
	}
	return nil
}

// CheckEndpoints hits the control surface's read-only endpoints at baseURL and
// returns the first error or nil.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	baseURL = strings.TrimSuffix(baseURL, "/")
	client := httpclient.ForTier(0, 0, nil)
	for _, path := range []string{"/healthz", "/status", "/channels"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}

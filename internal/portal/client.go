package portal

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/snapetech/stbportal/internal/httpclient"
	"github.com/snapetech/stbportal/internal/indexer"
	"github.com/snapetech/stbportal/internal/portalerr"
	"github.com/snapetech/stbportal/internal/safeurl"
)

// Client issues the portal calls. One Client is shared by discovery, catalog
// fetching and stream resolution; per-attempt state lives in Session.
type Client struct {
	Fetcher   *httpclient.Fetcher
	UserAgent string
	Timezone  string
	Logger    *log.Logger
	Debug     bool
}

func (c *Client) logf(format string, args ...any) {
	if c.Debug && c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

func (c *Client) fetcher() *httpclient.Fetcher {
	if c.Fetcher == nil {
		return &httpclient.Fetcher{}
	}
	return c.Fetcher
}

// get performs one GET. Transport failures come back classified; the response is
// returned for any HTTP status so callers can apply stage-specific meaning.
func (c *Client) get(ctx context.Context, s *Session, stage, rawURL string) (*httpclient.Response, error) {
	resp, err := c.fetcher().Get(ctx, s.HTTPClient(), rawURL, s.Header(c.UserAgent))
	if err != nil {
		c.logf("%s %s: %v", stage, safeurl.Redact(rawURL), err)
		return nil, portalerr.FromTransport(stage, err)
	}
	c.logf("%s %s: HTTP %d (%d bytes)", stage, safeurl.Redact(rawURL), resp.StatusCode, len(resp.Body))
	return resp, nil
}

func statusError(stage string, resp *httpclient.Response) *portalerr.Error {
	e := portalerr.FromStatus(stage, resp.StatusCode, httpclient.RetryAfter(resp.Header.Get("Retry-After")))
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if h, ok := httpclient.BehindCloudflare(resp.Header); ok {
			e.Detail += " behind Cloudflare (" + h + "), likely a browser challenge"
		}
	}
	return e
}

// Handshake runs the template's auth step and stores any token on s.
// Any status other than 200 is classified and returned.
func (c *Client) Handshake(ctx context.Context, s *Session) error {
	resp, err := c.get(ctx, s, "handshake", s.Template.AuthURL(s.Identity))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		e := statusError("handshake", resp)
		e.Attempted = []string{s.Template.Name}
		return e
	}
	if tok := extractToken(resp.Body); tok != "" {
		s.Token = tok
	}
	return nil
}

// FetchCatalog returns the raw catalog body for s. A body prefetched by discovery
// is returned once without another request.
func (c *Client) FetchCatalog(ctx context.Context, s *Session) ([]byte, error) {
	if s.Prefetched != nil {
		body := s.Prefetched
		s.Prefetched = nil
		return body, nil
	}
	resp, err := c.get(ctx, s, "catalog", s.Template.CatalogURL(s.Identity))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("catalog", resp)
	}
	return resp.Body, nil
}

// CreateLink exchanges cmd for a fresh command via the link-creation call. The
// returned command has its player prefix stripped. Non-200 statuses are returned
// classified by portalerr.FromStatus with StatusCode set.
func (c *Client) CreateLink(ctx context.Context, s *Session, cmd string) (string, error) {
	resp, err := c.get(ctx, s, "resolve", s.Template.LinkURL(s.Identity, cmd))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError("resolve", resp)
	}
	out := indexer.StripPlayerPrefix(extractLinkCommand(resp.Body))
	if out == "" {
		return "", &portalerr.Error{Kind: portalerr.FormatUnsupported, Stage: "resolve", StatusCode: resp.StatusCode, Detail: "link response carried no command"}
	}
	return out, nil
}

// extractToken reads js.token or a top-level token.
func extractToken(body []byte) string {
	var doc struct {
		JS    json.RawMessage `json:"js"`
		Token string          `json:"token"`
	}
	if json.Unmarshal(body, &doc) != nil {
		return ""
	}
	var js struct {
		Token string `json:"token"`
	}
	if len(doc.JS) > 0 && json.Unmarshal(doc.JS, &js) == nil && js.Token != "" {
		return js.Token
	}
	return doc.Token
}

// extractLinkCommand reads js.cmd, accepting js as a bare string on older portals.
func extractLinkCommand(body []byte) string {
	var doc struct {
		JS json.RawMessage `json:"js"`
	}
	if json.Unmarshal(body, &doc) != nil || len(doc.JS) == 0 {
		return ""
	}
	var js struct {
		Cmd string `json:"cmd"`
	}
	if json.Unmarshal(doc.JS, &js) == nil {
		return js.Cmd
	}
	var s string
	if json.Unmarshal(doc.JS, &s) == nil {
		return s
	}
	return ""
}

package portal

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"golang.org/x/net/publicsuffix"

	"github.com/snapetech/stbportal/internal/httpclient"
	"github.com/snapetech/stbportal/internal/retry"
)

// Session is the state of one probe or fetch attempt against a portal. It is
// discarded after use; a session refresh builds a new one.
type Session struct {
	Identity Identity
	Template Template
	Token    string
	Jar      http.CookieJar
	Tier     retry.Tier
	// Prefetched holds the catalog body when discovery already downloaded it
	// (dialects without a handshake). FetchCatalog consumes it once.
	Prefetched []byte
}

// NewSession returns a session for id under tpl with the STB cookies set.
func NewSession(id Identity, tpl Template, tier retry.Tier, timezone string) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	if u, err := url.Parse(id.Base() + "/"); err == nil {
		if timezone == "" {
			timezone = "Europe/London"
		}
		jar.SetCookies(u, []*http.Cookie{
			{Name: "mac", Value: id.MAC(), Path: "/"},
			{Name: "stb_lang", Value: "en", Path: "/"},
			{Name: "timezone", Value: timezone, Path: "/"},
		})
	}
	return &Session{Identity: id, Template: tpl, Jar: jar, Tier: tier}, nil
}

// WithTier returns a shallow copy bound to tier. Token and cookies are shared.
func (s *Session) WithTier(tier retry.Tier) *Session {
	c := *s
	c.Tier = tier
	c.Prefetched = nil
	return &c
}

// HTTPClient returns a client bounded by the session's tier that carries its cookies.
func (s *Session) HTTPClient() *http.Client {
	return httpclient.ForTier(s.Tier.Connect, s.Tier.Read, s.Jar)
}

// Header returns the STB request headers for this session.
func (s *Session) Header(userAgent string) http.Header {
	base := s.Identity.Base() + "/"
	h := http.Header{}
	if userAgent == "" {
		userAgent = httpclient.DefaultUserAgent
	}
	h.Set("User-Agent", userAgent)
	h.Set("X-User-Agent", "Model: MAG250; Link: WiFi")
	h.Set("Referer", base+"index.html")
	h.Set("Origin", s.Identity.Base())
	if s.Token != "" {
		h.Set("Authorization", "Bearer "+s.Token)
	}
	return h
}

// Package portal speaks the set-top-box middleware protocol: the dialect table,
// per-attempt sessions, the handshake/catalog/link calls and endpoint discovery.
package portal

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
	"golang.org/x/crypto/blake2b"

	"github.com/snapetech/stbportal/internal/safeurl"
)

var deviceIDPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5}$`)

// Identity is one portal account: the portal base URL and the device identifier
// (MAC address) the portal keys the account on. Immutable once built.
type Identity struct {
	BaseURL  string
	DeviceID string
}

// Validate rejects identities no request should be built from.
func (id Identity) Validate() error {
	if !safeurl.IsHTTPOrHTTPS(strings.TrimSpace(id.BaseURL)) {
		return fmt.Errorf("portal url %q: must be an absolute http(s) URL", id.BaseURL)
	}
	if !deviceIDPattern.MatchString(strings.TrimSpace(id.DeviceID)) {
		return fmt.Errorf("device id %q: want six colon-separated hex octets (00:1A:79:xx:xx:xx)", id.DeviceID)
	}
	return nil
}

// Base returns the normalized base URL without a trailing slash. A trailing /c
// (the Stalker web client directory users often paste) is dropped so template
// paths resolve against the portal root.
func (id Identity) Base() string {
	u, err := url.Parse(strings.TrimSpace(id.BaseURL))
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.TrimSpace(id.BaseURL), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery, u.Fragment = "", ""
	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, "/c")
	p = strings.TrimSuffix(p, "/index.html")
	u.Path, u.RawPath = p, ""
	return u.String()
}

// Root returns the portal's scheme and host, the anchor for root-relative commands.
func (id Identity) Root() (*url.URL, error) {
	u, err := url.Parse(id.Base())
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("portal url %q has no scheme or host", id.BaseURL)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// MAC returns the device identifier upper-cased, as portals expect it.
func (id Identity) MAC() string {
	return strings.ToUpper(strings.TrimSpace(id.DeviceID))
}

// Hash is the stable cache key for this identity: hex BLAKE2b-256 of the normalized
// base URL and the lower-cased device identifier.
func (id Identity) Hash() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(id.Base()))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(id.DeviceID))))
	return hex.EncodeToString(h.Sum(nil))
}

// String is safe to log: the device identifier is masked.
func (id Identity) String() string {
	mac := id.MAC()
	if len(mac) == 17 {
		mac = mac[:8] + ":xx:xx:xx"
	}
	return id.Base() + " [" + mac + "]"
}

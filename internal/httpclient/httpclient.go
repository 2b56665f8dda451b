package httpclient

import (
	"net"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: MaxIdleConnsPerHost,
	IdleConnTimeout:     DefaultIdleConnTimeout,
	TLSHandshakeTimeout: 10 * time.Second,
	// Bodies are decoded by ReadBody so br can be negotiated alongside gzip.
	DisableCompression: true,
}

var defaultClient = &http.Client{
	Timeout:   DefaultTimeout,
	Transport: defaultTransport,
}

// Default returns the shared tuned HTTP client used by the health check and the control surface.
func Default() *http.Client {
	return defaultClient
}

type tierKey struct{ connect, read time.Duration }

// tierTransports holds one transport per timeout tier so keep-alive connections
// are reused across requests, sessions and probe attempts.
var tierTransports = xsync.NewMapOf[tierKey, *http.Transport]()

func tierTransport(connect, read time.Duration) *http.Transport {
	t, _ := tierTransports.LoadOrCompute(tierKey{connect, read}, func() *http.Transport {
		t := defaultTransport.Clone()
		t.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
		t.TLSHandshakeTimeout = connect
		t.ResponseHeaderTimeout = read
		return t
	})
	return t
}

// ForTier returns a client bounded by one timeout tier: connect covers dialing and TLS,
// read covers waiting for response headers, and the whole exchange is capped at connect+read.
// Clients for the same tier share a transport. jar may be nil.
func ForTier(connect, read time.Duration, jar http.CookieJar) *http.Client {
	if connect <= 0 {
		connect = 5 * time.Second
	}
	if read <= 0 {
		read = 10 * time.Second
	}
	return &http.Client{
		Timeout:   connect + read,
		Transport: tierTransport(connect, read),
		Jar:       jar,
	}
}

package httpclient

import (
	"net/http"
	"strings"
)

// cfResponseHeaders is the set of response headers that indicate Cloudflare.
var cfResponseHeaders = []string{
	"CF-RAY",
	"CF-Cache-Status",
	"CF-Request-ID",
	"CF-Worker",
	"CF-Mitigated",
}

// BehindCloudflare reports whether a response came through Cloudflare, and which
// header said so. Portals behind a challenge answer 403/503 to anything that is not
// a browser, which otherwise reads as a plain auth failure or overload.
func BehindCloudflare(h http.Header) (header string, ok bool) {
	for _, k := range cfResponseHeaders {
		if h.Get(k) != "" {
			return k, true
		}
	}
	if strings.Contains(strings.ToLower(h.Get("Server")), "cloudflare") {
		return "Server", true
	}
	return "", false
}

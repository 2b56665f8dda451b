package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return (s == "http" || s == "https") && parsed.Host != ""
}

// sensitiveParams are query keys whose values never reach a log line.
var sensitiveParams = map[string]bool{
	"mac":        true,
	"token":      true,
	"password":   true,
	"username":   true,
	"play_token": true,
}

// Redact masks credentials in u for logging: query values of sensitiveParams,
// userinfo, and /live/<user>/<pass>/ path segments. Unparseable input is returned
// as "<invalid url>".
func Redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "<invalid url>"
	}
	if parsed.User != nil {
		parsed.User = url.User("xxx")
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		changed := false
		for k := range q {
			if sensitiveParams[strings.ToLower(k)] {
				q[k] = []string{"xxx"}
				changed = true
			}
		}
		if changed {
			parsed.RawQuery = q.Encode()
		}
	}
	segs := strings.Split(parsed.Path, "/")
	for i := 0; i+2 < len(segs); i++ {
		if segs[i] == "live" || segs[i] == "movie" || segs[i] == "series" {
			segs[i+1], segs[i+2] = "xxx", "xxx"
			break
		}
	}
	parsed.Path = strings.Join(segs, "/")
	parsed.RawPath = ""
	return parsed.String()
}

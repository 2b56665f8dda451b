package catalog

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

var errEmptyCommand = errors.New("empty command")

// Normalize turns a raw portal command into a fully qualified URL against root
// (the portal's scheme and host):
//   - fully qualified, non-loopback: unchanged
//   - loopback host (localhost, 127.0.0.0/8, ::1, 0.0.0.0): host replaced by the portal's,
//     scheme and any explicit port kept
//   - protocol-relative (//host/path): portal scheme added
//   - root-relative (/path): portal scheme and host prefixed
//   - anything else: relative to the portal root
//
// The result always has a non-empty path.
func Normalize(raw string, root *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errEmptyCommand
	}
	switch {
	case strings.HasPrefix(raw, "//"):
		return finish(root.Scheme+":"+raw, root)
	case strings.HasPrefix(raw, "/"):
		return finish(root.Scheme+"://"+root.Host+raw, root)
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		if !isLoopback(u.Hostname()) && u.Path != "" {
			return raw, nil
		}
		return finish(raw, root)
	}
	// Scheme-less loopback placeholder: "localhost/ch/1", "127.0.0.1:88/ch/1".
	if host, _, _ := strings.Cut(raw, "/"); isLoopback(hostOnly(host)) {
		return finish(root.Scheme+"://"+raw, root)
	}
	return finish(root.Scheme+"://"+root.Host+"/"+raw, root)
}

func finish(s string, root *url.URL) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("command has no host: " + s)
	}
	if isLoopback(u.Hostname()) {
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(root.Hostname(), port)
		} else {
			u.Host = root.Host
		}
	}
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

func isLoopback(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

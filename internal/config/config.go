package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/retry"
	"github.com/snapetech/stbportal/internal/tokencache"
)

// Config holds the portal identity and client settings.
// Load from env; LoadEnvFile(".env") first to use a .env file.
type Config struct {
	// Portal identity
	PortalURL string // e.g. http://portal.example:8080/c/
	MAC       string // device identifier, e.g. 00:1A:79:12:34:56

	// Persistent catalog cache
	CacheDir     string // e.g. /var/cache/stb-portal
	CacheBackend string // "file" | "sqlite"

	// Stream resolution
	TokenTTL time.Duration // how long a resolved stream URL is reused

	// Retry policy. Tiers are "connect/read" pairs, comma-separated, increasing.
	TimeoutTiers string        // e.g. "3s/5s,5s/10s,10s/20s"
	Backoff      string        // e.g. "1s,2s,4s"
	MaxAttempts  int           // 0 = one per tier
	MaxRetryHint time.Duration // cap for server Retry-After hints

	// Network behavior
	RPS             float64 // per-host request pacing; 0 = unpaced
	HostConcurrency int     // max in-flight requests per portal host
	UserAgent       string  // "" = MAG default
	Timezone        string  // timezone cookie sent to the portal
	Dialects        string  // optional comma-separated subset/order of dialect names

	// Control surface
	Listen  string // e.g. :8089
	BaseURL string // advertised in /live.m3u
	Workers int    // worker pool size for fetch and resolve
	Debug   bool   // log every portal request (URLs redacted)
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load() to use a .env file.
// If PortalURL or MAC is empty, Load tries STB_PORTAL_PROFILE_FILE (or the default path)
// with "Portal:" / "MAC:" lines.
func Load() *Config {
	c := &Config{
		PortalURL:       os.Getenv("STB_PORTAL_URL"),
		MAC:             os.Getenv("STB_PORTAL_MAC"),
		CacheDir:        getEnv("STB_PORTAL_CACHE_DIR", defaultCacheDir()),
		CacheBackend:    strings.ToLower(getEnv("STB_PORTAL_CACHE_BACKEND", "file")),
		TokenTTL:        getEnvDuration("STB_PORTAL_TOKEN_TTL", tokencache.DefaultTTL),
		TimeoutTiers:    getEnv("STB_PORTAL_TIMEOUT_TIERS", "3s/5s,5s/10s,10s/20s"),
		Backoff:         getEnv("STB_PORTAL_BACKOFF", "1s,2s,4s"),
		MaxAttempts:     getEnvInt("STB_PORTAL_MAX_ATTEMPTS", 3),
		MaxRetryHint:    getEnvDuration("STB_PORTAL_MAX_RETRY_HINT", 60*time.Second),
		RPS:             getEnvFloat("STB_PORTAL_RPS", 0),
		HostConcurrency: getEnvInt("STB_PORTAL_HOST_CONCURRENCY", 4),
		UserAgent:       os.Getenv("STB_PORTAL_USER_AGENT"),
		Timezone:        getEnv("STB_PORTAL_TIMEZONE", "Europe/London"),
		Dialects:        os.Getenv("STB_PORTAL_DIALECTS"),
		Listen:          getEnv("STB_PORTAL_LISTEN", ":8089"),
		BaseURL:         os.Getenv("STB_PORTAL_BASE_URL"),
		Workers:         getEnvInt("STB_PORTAL_WORKERS", 4),
		Debug:           getEnvBool("STB_PORTAL_DEBUG", false),
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = tokencache.DefaultTTL
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HostConcurrency <= 0 {
		c.HostConcurrency = 4
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.PortalURL == "" || c.MAC == "" {
		if portalURL, mac, err := readProfileFile(getEnv("STB_PORTAL_PROFILE_FILE", "")); err == nil {
			if c.PortalURL == "" {
				c.PortalURL = portalURL
			}
			if c.MAC == "" {
				c.MAC = mac
			}
		}
	}
	return c
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "stb-portal")
	}
	return filepath.Join(os.TempDir(), "stb-portal")
}

// readProfileFile reads "Portal: x" and "MAC: x" from path. path may be empty to try
// the default ~/.config/stb-portal/profile.txt.
func readProfileFile(path string) (portalURL, mac string, err error) {
	if path == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "", "", os.ErrNotExist
		}
		path = filepath.Join(home, ".config", "stb-portal", "profile.txt")
	}
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Portal:") {
			portalURL = strings.TrimSpace(strings.TrimPrefix(line, "Portal:"))
		} else if strings.HasPrefix(line, "MAC:") {
			mac = strings.TrimSpace(strings.TrimPrefix(line, "MAC:"))
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	if portalURL == "" || mac == "" {
		return "", "", fmt.Errorf("profile file: missing Portal or MAC")
	}
	return portalURL, mac, nil
}

// Identity is the configured portal identity.
func (c *Config) Identity() portal.Identity {
	return portal.Identity{BaseURL: strings.TrimSpace(c.PortalURL), DeviceID: strings.TrimSpace(c.MAC)}
}

// Policy builds the retry policy from TimeoutTiers, Backoff and MaxAttempts.
func (c *Config) Policy() (retry.Policy, error) {
	tiers, err := ParseTiers(c.TimeoutTiers)
	if err != nil {
		return retry.Policy{}, err
	}
	backoff, err := ParseDurations(c.Backoff)
	if err != nil {
		return retry.Policy{}, fmt.Errorf("STB_PORTAL_BACKOFF: %w", err)
	}
	p := retry.Policy{Tiers: tiers, MaxAttempts: c.MaxAttempts, Backoff: backoff, MaxHint: c.MaxRetryHint}
	return p, p.Validate()
}

// Table returns the dialect table, restricted and reordered by Dialects when set.
func (c *Config) Table() ([]portal.Template, error) {
	all := portal.DefaultTable()
	if strings.TrimSpace(c.Dialects) == "" {
		return all, nil
	}
	var out []portal.Template
	for _, name := range strings.Split(c.Dialects, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tpl, ok := portal.Lookup(all, name)
		if !ok {
			return nil, fmt.Errorf("STB_PORTAL_DIALECTS: unknown dialect %q", name)
		}
		out = append(out, tpl)
	}
	if len(out) == 0 {
		return nil, errors.New("STB_PORTAL_DIALECTS: no dialects")
	}
	return out, nil
}

// Validate reports the first setting that would prevent a fetch.
func (c *Config) Validate() error {
	if c.PortalURL == "" {
		return errors.New("STB_PORTAL_URL is not set (or set Portal: in the profile file)")
	}
	if c.MAC == "" {
		return errors.New("STB_PORTAL_MAC is not set (or set MAC: in the profile file)")
	}
	if err := c.Identity().Validate(); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.Table(); err != nil {
		return err
	}
	switch c.CacheBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("STB_PORTAL_CACHE_BACKEND: %q (want file or sqlite)", c.CacheBackend)
	}
	return nil
}

// ParseTiers parses "connect/read,connect/read,...".
func ParseTiers(s string) ([]retry.Tier, error) {
	var out []retry.Tier
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		conn, read, ok := strings.Cut(part, "/")
		if !ok {
			return nil, fmt.Errorf("STB_PORTAL_TIMEOUT_TIERS: %q is not connect/read", part)
		}
		cd, err := time.ParseDuration(strings.TrimSpace(conn))
		if err != nil {
			return nil, fmt.Errorf("STB_PORTAL_TIMEOUT_TIERS: %w", err)
		}
		rd, err := time.ParseDuration(strings.TrimSpace(read))
		if err != nil {
			return nil, fmt.Errorf("STB_PORTAL_TIMEOUT_TIERS: %w", err)
		}
		if cd <= 0 || rd <= 0 {
			return nil, fmt.Errorf("STB_PORTAL_TIMEOUT_TIERS: %q must be positive", part)
		}
		if n := len(out); n > 0 && (cd < out[n-1].Connect || rd < out[n-1].Read) {
			return nil, fmt.Errorf("STB_PORTAL_TIMEOUT_TIERS: %q is shorter than the tier before it", part)
		}
		out = append(out, retry.Tier{Connect: cd, Read: rd})
	}
	if len(out) == 0 {
		return nil, errors.New("STB_PORTAL_TIMEOUT_TIERS: no tiers")
	}
	return out, nil
}

// ParseDurations parses a comma-separated duration list; empty input is an empty list.
func ParseDurations(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

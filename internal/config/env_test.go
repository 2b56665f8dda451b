package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile_missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "nonexistent")); err != nil {
		t.Fatalf("missing file should return nil: %v", err)
	}
}

func TestLoadEnvFile_portalProfile(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), ".env")
	body := "# lounge box\n" +
		"STB_PORTAL_URL=http://portal.example/c/\n" +
		"export STB_PORTAL_MAC=00:1A:79:00:00:07\n" +
		"STB_PORTAL_CACHE_BACKEND=sqlite # faster on big catalogs\n" +
		"STB_PORTAL_USER_AGENT=\"Mozilla/5.0 (QtEmbedded; U; Linux; C)\"\n" +
		"not a line\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"STB_PORTAL_URL":           "http://portal.example/c/",
		"STB_PORTAL_MAC":           "00:1A:79:00:00:07",
		"STB_PORTAL_CACHE_BACKEND": "sqlite",
		"STB_PORTAL_USER_AGENT":    "Mozilla/5.0 (QtEmbedded; U; Linux; C)",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestLoadEnvFile_environmentWins(t *testing.T) {
	os.Clearenv()
	os.Setenv("STB_PORTAL_MAC", "00:1A:79:00:00:01")
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("STB_PORTAL_MAC=00:1A:79:00:00:02\nSTB_PORTAL_TIMEZONE='Europe/Paris'\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("STB_PORTAL_MAC"); got != "00:1A:79:00:00:01" {
		t.Errorf("STB_PORTAL_MAC = %q, exported value should win", got)
	}
	if got := os.Getenv("STB_PORTAL_TIMEZONE"); got != "Europe/Paris" {
		t.Errorf("STB_PORTAL_TIMEZONE = %q", got)
	}
}

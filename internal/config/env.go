package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadEnvFile applies KEY=value lines from path to the process environment.
// A missing file is not an error. Variables already set in the environment are
// left alone, so an exported STB_PORTAL_MAC beats the one in .env.
func LoadEnvFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		os.Setenv(key, value)
	}
	return sc.Err()
}

// parseEnvLine accepts "KEY=value", "export KEY=value", quoted values and
// trailing " # comment" on unquoted values.
func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, value, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	switch {
	case len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"':
		if u, err := strconv.Unquote(value); err == nil {
			return key, u, true
		}
		return key, value[1 : len(value)-1], true
	case len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'':
		return key, value[1 : len(value)-1], true
	}
	if i := strings.Index(value, " #"); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	return key, value, true
}

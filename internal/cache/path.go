package cache

import (
	"path/filepath"
	"strings"
)

// Path returns the catalog cache file for an identity hash. Stable: the same hash
// always maps to the same path.
func Path(cacheDir, identityHash string) string {
	return filepath.Join(cacheDir, "catalogs", sanitizeID(identityHash)+".json")
}

// CorruptPath is where an unreadable cache file is moved aside, stamped with ts.
func CorruptPath(cacheDir, identityHash, ts string) string {
	return Path(cacheDir, identityHash) + ".corrupt-" + ts
}

// DBPath is the sqlite cache database inside cacheDir.
func DBPath(cacheDir string) string {
	return filepath.Join(cacheDir, "catalogs.db")
}

func sanitizeID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}

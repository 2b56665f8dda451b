package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps one JSON file per identity under <dir>/catalogs.
type FileStore struct {
	Dir string
	now func() time.Time
}

// NewFileStore returns a store rooted at dir. The directory is created on first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, now: time.Now}
}

func (s *FileStore) Get(hash string) ([]byte, bool, error) {
	data, err := os.ReadFile(Path(s.Dir, hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Put writes payload with a temp-file-then-rename strategy so readers never see a
// partially-written file and a crash mid-write leaves the previous file intact.
func (s *FileStore) Put(hash string, payload []byte) error {
	path := Path(s.Dir, hash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("cache save: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".catalog-*.json.tmp")
	if err != nil {
		return fmt.Errorf("cache save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(payload)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if writeErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(tmpName)
		switch {
		case writeErr != nil:
			return fmt.Errorf("cache save: write: %w", writeErr)
		case syncErr != nil:
			return fmt.Errorf("cache save: sync: %w", syncErr)
		}
		return fmt.Errorf("cache save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache save: rename: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

func (s *FileStore) Delete(hash string) error {
	err := os.Remove(Path(s.Dir, hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Quarantine moves an unreadable file aside so the next save starts clean and the
// bad bytes remain for inspection.
func (s *FileStore) Quarantine(hash string) error {
	ts := s.now().UTC().Format("20060102T150405")
	err := os.Rename(Path(s.Dir, hash), CorruptPath(s.Dir, hash, ts))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) String() string { return "file:" + filepath.Join(s.Dir, "catalogs") }

package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps catalogs in one sqlite database; writes are transactional so a
// crash mid-save leaves the previous row intact.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS catalog_cache (
	identity_hash TEXT PRIMARY KEY,
	payload       BLOB NOT NULL,
	created_at    INTEGER NOT NULL
)`

// OpenSQLiteStore opens (creating if needed) the cache database in dir.
func OpenSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("sqlite cache: mkdir: %w", err)
	}
	path := DBPath(dir)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite cache schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Get(hash string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM catalog_cache WHERE identity_hash = ?`, hash).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *SQLiteStore) Put(hash string, payload []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(`INSERT INTO catalog_cache (identity_hash, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT(identity_hash) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		hash, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert catalog: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(hash string) error {
	_, err := s.db.Exec(`DELETE FROM catalog_cache WHERE identity_hash = ?`, hash)
	return err
}

// Quarantine drops an unreadable row; sqlite has no sidecar to move it to.
func (s *SQLiteStore) Quarantine(hash string) error {
	return s.Delete(hash)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) String() string { return "sqlite:" + s.path }

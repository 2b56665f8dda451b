// Package cache persists built catalogs across restarts, one record per portal identity.
// Records never expire; they are replaced by an explicit refresh and removed only
// by an explicit clear. A record that cannot be read back is a cache miss.
package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/snapetech/stbportal/internal/catalog"
	"github.com/snapetech/stbportal/internal/portal"
)

// RecordVersion is bumped when Record's layout changes; other versions read as a miss.
const RecordVersion = 1

// Record is the persisted form of a catalog.
type Record struct {
	Version      int                     `json:"version"`
	IdentityHash string                  `json:"identity_hash"`
	Channels     []catalog.ChannelRecord `json:"channels"`
	CreatedAt    time.Time               `json:"created_at"`
}

// Store is a backend holding opaque payloads by identity hash.
type Store interface {
	Get(hash string) (payload []byte, ok bool, err error)
	Put(hash string, payload []byte) error
	Delete(hash string) error
	// Quarantine removes an unreadable payload from the read path.
	Quarantine(hash string) error
	Close() error
}

// Manager saves and loads catalogs through a Store.
type Manager struct {
	store  Store
	logger *log.Logger
}

// NewManager wraps store. logger may be nil.
func NewManager(store Store, logger *log.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Open returns a manager for backend ("file" or "sqlite") rooted at dir.
func Open(dir, backend string, logger *log.Logger) (*Manager, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "file":
		return NewManager(NewFileStore(dir), logger), nil
	case "sqlite":
		s, err := OpenSQLiteStore(dir)
		if err != nil {
			return nil, err
		}
		return NewManager(s, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q (want file or sqlite)", backend)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Save replaces the record for id with c.
func (m *Manager) Save(id portal.Identity, c *catalog.Catalog) error {
	if c == nil {
		return fmt.Errorf("cache save: nil catalog")
	}
	hash := id.Hash()
	data, err := json.Marshal(Record{
		Version:      RecordVersion,
		IdentityHash: hash,
		Channels:     c.Channels,
		CreatedAt:    c.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return m.store.Put(hash, data)
}

// Load returns the cached catalog for id. ok is false when there is no record or the
// record is unreadable; an unreadable record is quarantined and logged, never returned
// as an error.
func (m *Manager) Load(id portal.Identity) (*catalog.Catalog, bool) {
	hash := id.Hash()
	data, ok, err := m.store.Get(hash)
	if err != nil {
		m.logf("cache load %s: %v", id, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rec Record
	reason := ""
	switch err := json.Unmarshal(data, &rec); {
	case err != nil:
		reason = err.Error()
	case rec.Version != RecordVersion:
		reason = fmt.Sprintf("record version %d", rec.Version)
	case rec.IdentityHash != hash:
		reason = "identity hash mismatch"
	case len(rec.Channels) == 0:
		reason = "no channels"
	}
	if reason != "" {
		m.logf("cache load %s: discarding unreadable record: %s", id, reason)
		if err := m.store.Quarantine(hash); err != nil {
			m.logf("cache quarantine %s: %v", id, err)
		}
		return nil, false
	}
	return &catalog.Catalog{Identity: id, Channels: rec.Channels, CreatedAt: rec.CreatedAt}, true
}

// Clear removes the record for id. Clearing a missing record is not an error.
func (m *Manager) Clear(id portal.Identity) error {
	return m.store.Delete(id.Hash())
}

// Close releases the backend.
func (m *Manager) Close() error { return m.store.Close() }

// Backend describes the store for logs and status output.
func (m *Manager) Backend() string {
	if s, ok := m.store.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", m.store)
}

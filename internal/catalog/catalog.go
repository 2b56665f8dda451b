package catalog

import (
	"fmt"
	"sync"
	"time"

	"github.com/snapetech/stbportal/internal/indexer"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/portalerr"
)

// ChannelRecord is one live channel. RawCommand is the provider's opaque payload
// needed for stream resolution; AbsoluteStreamURL is a best-effort playable URL
// derived without a resolve call and is always fully qualified.
type ChannelRecord struct {
	DisplayName       string `json:"display_name"`
	AbsoluteStreamURL string `json:"absolute_stream_url"`
	RawCommand        string `json:"raw_command"`
}

// Catalog is the ordered channel list of one portal identity. Order is the portal's
// and is meaningful for display. A Catalog is never mutated after Build.
type Catalog struct {
	Identity  portal.Identity `json:"-"`
	Channels  []ChannelRecord `json:"channels"`
	CreatedAt time.Time       `json:"created_at"`
}

// Len is the number of channels.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Channels)
}

// Channel returns the i-th channel.
func (c *Catalog) Channel(i int) (ChannelRecord, bool) {
	if c == nil || i < 0 || i >= len(c.Channels) {
		return ChannelRecord{}, false
	}
	return c.Channels[i], true
}

// Find returns the first channel whose raw command is cmd.
func (c *Catalog) Find(cmd string) (ChannelRecord, bool) {
	if c == nil {
		return ChannelRecord{}, false
	}
	for _, ch := range c.Channels {
		if ch.RawCommand == cmd {
			return ch, true
		}
	}
	return ChannelRecord{}, false
}

type dedupKey struct{ name, cmd string }

// Build normalizes parsed entries into a catalog for id: every command gets a fully
// qualified AbsoluteStreamURL, entries that cannot be normalized are skipped, and
// duplicates by (name, command) are dropped keeping the first. Zero surviving
// channels is EmptyCatalog.
func Build(entries []indexer.Entry, id portal.Identity, now time.Time) (*Catalog, error) {
	root, err := id.Root()
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	seen := make(map[dedupKey]bool, len(entries))
	channels := make([]ChannelRecord, 0, len(entries))
	for _, e := range entries {
		if e.Command == "" || e.Name == "" {
			continue
		}
		k := dedupKey{e.Name, e.Command}
		if seen[k] {
			continue
		}
		abs, err := Normalize(e.Command, root)
		if err != nil {
			continue
		}
		seen[k] = true
		channels = append(channels, ChannelRecord{
			DisplayName:       e.Name,
			AbsoluteStreamURL: abs,
			RawCommand:        e.Command,
		})
	}
	if len(channels) == 0 {
		return nil, portalerr.New(portalerr.EmptyCatalog, "build", "no usable channels among %d entries", len(entries))
	}
	return &Catalog{Identity: id, Channels: channels, CreatedAt: now.UTC()}, nil
}

// Holder keeps the current catalog. Replace swaps in a complete catalog; a failed
// fetch simply never calls it, so the previous catalog survives.
type Holder struct {
	mu  sync.RWMutex
	cur *Catalog
}

// Current returns the current catalog, or nil.
func (h *Holder) Current() *Catalog {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

// Replace installs c. A nil c is ignored.
func (h *Holder) Replace(c *Catalog) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.cur = c
	h.mu.Unlock()
}

// Reset drops the current catalog.
func (h *Holder) Reset() {
	h.mu.Lock()
	h.cur = nil
	h.mu.Unlock()
}

// Package playback describes what the media player needs to open a resolved stream
// and tracks hand-offs until the player reports that playback ended.
package playback

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/stbportal/internal/httpclient"
	"github.com/snapetech/stbportal/internal/portal"
)

// Handoff is a resolved stream ready for the player.
type Handoff struct {
	ID           string      `json:"id"`
	Channel      string      `json:"channel"`
	URL          string      `json:"url"`
	Headers      http.Header `json:"headers"`
	Degraded     bool        `json:"degraded"` // URL is the catalog fallback, not a resolved link
	RawCommand   string      `json:"-"`
	IdentityHash string      `json:"-"`
	HandedOffAt  time.Time   `json:"handed_off_at"`
}

// Headers returns the minimal request headers a player must send: the client
// identification string and a referer derived from the portal base URL.
func Headers(id portal.Identity, userAgent string) http.Header {
	if userAgent == "" {
		userAgent = httpclient.DefaultUserAgent
	}
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Referer", id.Base()+"/index.html")
	return h
}

// NewHandoff builds a hand-off with a fresh ID.
func NewHandoff(id portal.Identity, channel, rawCommand, url, userAgent string, degraded bool) Handoff {
	return Handoff{
		ID:           uuid.NewString(),
		Channel:      channel,
		URL:          url,
		Headers:      Headers(id, userAgent),
		Degraded:     degraded,
		RawCommand:   rawCommand,
		IdentityHash: id.Hash(),
		HandedOffAt:  time.Now().UTC(),
	}
}

// DefaultTrackerLimit caps how many hand-offs a Tracker holds at once.
const DefaultTrackerLimit = 256

// Tracker remembers recent hand-offs so an "ended" notification can be tied back
// to the command whose token it consumed. It does not manage the player process.
// Most players never report the end of a stream, so entries also leave after
// maxAge (by then the token is stale anyway) or, oldest first, once limit is hit.
type Tracker struct {
	mu     sync.Mutex
	maxAge time.Duration
	limit  int
	now    func() time.Time
	order  *list.List // of *tracked, oldest first
	active map[string]*list.Element
}

type tracked struct {
	h       Handoff
	started time.Time
}

// NewTracker returns an empty tracker. maxAge <= 0 keeps entries until they are
// ended or pushed out by limit; limit <= 0 means DefaultTrackerLimit.
func NewTracker(maxAge time.Duration, limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultTrackerLimit
	}
	return &Tracker{
		maxAge: maxAge,
		limit:  limit,
		now:    time.Now,
		order:  list.New(),
		active: make(map[string]*list.Element),
	}
}

// SetClock replaces the time source. For tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Start records h as playing.
func (t *Tracker) Start(h Handoff) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.active[h.ID]; ok {
		t.order.Remove(el)
	}
	t.active[h.ID] = t.order.PushBack(&tracked{h: h, started: t.now()})
	t.prune()
	for t.order.Len() > t.limit {
		t.remove(t.order.Front())
	}
}

// Ended removes the hand-off and returns it. ok is false for unknown or expired IDs.
func (t *Tracker) Ended(id string) (Handoff, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	el, ok := t.active[id]
	if !ok {
		return Handoff{}, false
	}
	t.remove(el)
	return el.Value.(*tracked).h, true
}

// Active returns the number of hand-offs neither ended nor expired.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	return t.order.Len()
}

func (t *Tracker) prune() {
	if t.maxAge <= 0 {
		return
	}
	now := t.now()
	for el := t.order.Front(); el != nil; el = t.order.Front() {
		if now.Sub(el.Value.(*tracked).started) < t.maxAge {
			return
		}
		t.remove(el)
	}
}

func (t *Tracker) remove(el *list.Element) {
	delete(t.active, el.Value.(*tracked).h.ID)
	t.order.Remove(el)
}

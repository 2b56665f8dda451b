// Package tokencache holds resolved stream URLs for a bounded time, keyed by the
// channel's raw command.
package tokencache

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is how long a resolved stream URL is reused. Portal play tokens
// usually outlive this by a wide margin.
const DefaultTTL = 30 * time.Second

// Entry is one resolved stream URL.
type Entry struct {
	Key      string
	URL      string
	IssuedAt time.Time
	TTL      time.Duration
}

// ValidAt reports whether e may be served at now. The expiry instant itself is expired.
func (e Entry) ValidAt(now time.Time) bool {
	return now.Before(e.IssuedAt.Add(e.TTL))
}

type snapshot map[string]Entry

// Cache is an atomically swapped immutable snapshot: a Get that hits never takes
// a lock, writers copy the map under mu and publish the copy.
type Cache struct {
	snap atomic.Pointer[snapshot]
	now  atomic.Pointer[func() time.Time]
	mu   sync.Mutex
	ttl  time.Duration
}

// New returns an empty cache whose entries live for ttl (<= 0 means DefaultTTL).
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{ttl: ttl}
	c.SetClock(time.Now)
	empty := snapshot{}
	c.snap.Store(&empty)
	return c
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now.Store(&now)
}

func (c *Cache) clock() time.Time {
	return (*c.now.Load())()
}

// Get returns the URL cached for key if it has not expired. An expired entry is
// evicted on the way out.
func (c *Cache) Get(key string) (string, bool) {
	e, ok := (*c.snap.Load())[key]
	if !ok {
		return "", false
	}
	if e.ValidAt(c.clock()) {
		return e.URL, true
	}
	c.mu.Lock()
	cur := *c.snap.Load()
	if stale, ok := cur[key]; ok && !stale.ValidAt(c.clock()) {
		c.publish(cur, func(m snapshot) { delete(m, key) })
	}
	c.mu.Unlock()
	return "", false
}

// Put caches url for key with the cache's TTL, issued now.
func (c *Cache) Put(key, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := Entry{Key: key, URL: url, IssuedAt: c.clock(), TTL: c.ttl}
	c.publish(*c.snap.Load(), func(m snapshot) { m[key] = e })
}

// Forget drops key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.snap.Load()
	if _, ok := cur[key]; !ok {
		return
	}
	c.publish(cur, func(m snapshot) { delete(m, key) })
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	empty := snapshot{}
	c.snap.Store(&empty)
	c.mu.Unlock()
}

// Len counts entries still valid now.
func (c *Cache) Len() int {
	now := c.clock()
	n := 0
	for _, e := range *c.snap.Load() {
		if e.ValidAt(now) {
			n++
		}
	}
	return n
}

// publish copies cur, applies edit and swaps the copy in, dropping anything expired.
// Caller holds mu.
func (c *Cache) publish(cur snapshot, edit func(snapshot)) {
	now := c.clock()
	next := make(snapshot, len(cur)+1)
	for k, e := range cur {
		if e.ValidAt(now) {
			next[k] = e
		}
	}
	edit(next)
	c.snap.Store(&next)
}

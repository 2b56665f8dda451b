// Package core is the boundary between the presentation side and the portal client.
// Catalog fetches and stream resolutions run on a worker pool; results come back as
// Events or, for resolves, as the return value of a blocking call.
package core

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/snapetech/stbportal/internal/cache"
	"github.com/snapetech/stbportal/internal/catalog"
	"github.com/snapetech/stbportal/internal/metrics"
	"github.com/snapetech/stbportal/internal/playback"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/resolver"
	"github.com/snapetech/stbportal/internal/retry"
	"github.com/snapetech/stbportal/internal/tokencache"
)

// ErrFetchInProgress is returned by BeginFetch and Refresh while a fetch for the
// same identity is running.
var ErrFetchInProgress = errors.New("catalog fetch already in progress")

// Options configures a Core. Client is required; everything else has a default.
type Options struct {
	Client       *portal.Client
	Orchestrator *retry.Orchestrator
	Table        []portal.Template
	Cache        *cache.Manager // nil disables persistence
	TokenTTL     time.Duration
	UserAgent    string
	Workers      int
	EventBuffer  int
	Logger       *log.Logger
}

// Core owns per-identity state: the current catalog, the resolver and its token
// cache, and the in-flight fetch guard.
type Core struct {
	opts    Options
	prober  *portal.Prober
	pool    *ants.Pool
	events  chan Event
	tracker *playback.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	fetching   *xsync.MapOf[string, *fetchJob]
	identities *xsync.MapOf[string, *identityState]
	flight     *singleflight.Group
}

type fetchJob struct {
	id      string
	started time.Time
	flag    *retry.Flag
}

type identityState struct {
	identity portal.Identity
	holder   catalog.Holder
	resolver *resolver.Resolver
	slot     chan struct{} // one resolve at a time

	mu      sync.Mutex
	dialect string
	source  string
	lastErr error
}

// New starts a Core. Call Close to release the worker pool.
func New(opts Options) (*Core, error) {
	if opts.Client == nil {
		return nil, errors.New("core: portal client is required")
	}
	if opts.Orchestrator == nil {
		o, err := retry.New(retry.DefaultPolicy())
		if err != nil {
			return nil, err
		}
		opts.Orchestrator = o
	}
	if opts.Orchestrator.OnTransition == nil {
		opts.Orchestrator.OnTransition = metrics.ObserveTransition
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = tokencache.DefaultTTL
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		opts:       opts,
		pool:       pool,
		events:     make(chan Event, opts.EventBuffer),
		tracker:    playback.NewTracker(opts.TokenTTL, playback.DefaultTrackerLimit),
		ctx:        ctx,
		cancel:     cancel,
		fetching:   xsync.NewMapOf[string, *fetchJob](),
		identities: xsync.NewMapOf[string, *identityState](),
		flight:     &singleflight.Group{},
	}
	c.prober = &portal.Prober{
		Client:       opts.Client,
		Orchestrator: opts.Orchestrator,
		Table:        opts.Table,
		Logger:       opts.Logger,
	}
	return c, nil
}

// Close cancels running work and releases the pool. Events is not closed.
func (c *Core) Close() {
	c.CancelFetch()
	c.cancel()
	c.pool.Release()
}

// Events returns the channel the presentation side reads.
func (c *Core) Events() <-chan Event { return c.events }

// Catalog returns the current catalog for id, or nil before the first successful fetch.
func (c *Core) Catalog(id portal.Identity) *catalog.Catalog {
	st, ok := c.identities.Load(id.Hash())
	if !ok {
		return nil
	}
	return st.holder.Current()
}

// ClearPersistentCache removes id's persisted catalog. The in-memory catalog is kept.
func (c *Core) ClearPersistentCache(id portal.Identity) error {
	if c.opts.Cache == nil {
		return nil
	}
	if err := c.opts.Cache.Clear(id); err != nil {
		return err
	}
	c.logf("%s: persistent cache cleared", id)
	return nil
}

// PlaybackEnded is called when the player stops. The hand-off's stream token is
// dropped from the token cache since the portal treats it as consumed.
func (c *Core) PlaybackEnded(handoffID string) bool {
	h, ok := c.tracker.Ended(handoffID)
	if !ok {
		return false
	}
	metrics.ActivePlayback.Set(float64(c.tracker.Active()))
	if st, ok := c.identities.Load(h.IdentityHash); ok {
		st.resolver.Forget(h.RawCommand)
	}
	return true
}

// Status summarizes one identity for status output.
type Status struct {
	Identity       string    `json:"identity"`
	Dialect        string    `json:"dialect,omitempty"`
	Channels       int       `json:"channels"`
	CatalogSource  string    `json:"catalog_source,omitempty"`
	CatalogCreated time.Time `json:"catalog_created,omitempty"`
	Fetching       bool      `json:"fetching"`
	FetchJob       string    `json:"fetch_job,omitempty"`
	CachedTokens   int       `json:"cached_tokens"`
	ActivePlayback int       `json:"active_playback"`
	LastError      string    `json:"last_error,omitempty"`
	CacheBackend   string    `json:"cache_backend,omitempty"`
}

// Status reports the state held for id.
func (c *Core) Status(id portal.Identity) Status {
	st := c.state(id)
	out := Status{Identity: id.String(), ActivePlayback: c.tracker.Active()}
	metrics.ActivePlayback.Set(float64(out.ActivePlayback))
	if cat := st.holder.Current(); cat != nil {
		out.Channels = cat.Len()
		out.CatalogCreated = cat.CreatedAt
	}
	if job, ok := c.fetching.Load(id.Hash()); ok {
		out.Fetching = true
		out.FetchJob = job.id
	}
	out.CachedTokens = st.resolver.Tokens.Len()
	st.mu.Lock()
	out.Dialect = st.dialect
	out.CatalogSource = st.source
	if st.lastErr != nil {
		out.LastError = st.lastErr.Error()
	}
	st.mu.Unlock()
	if c.opts.Cache != nil {
		out.CacheBackend = c.opts.Cache.Backend()
	}
	return out
}

// state returns the per-identity state, creating it on first use.
func (c *Core) state(id portal.Identity) *identityState {
	st, _ := c.identities.LoadOrCompute(id.Hash(), func() *identityState {
		return &identityState{
			identity: id,
			slot:     make(chan struct{}, 1),
			resolver: &resolver.Resolver{
				Client:       c.opts.Client,
				Prober:       c.prober,
				Orchestrator: c.opts.Orchestrator,
				Tokens:       tokencache.New(c.opts.TokenTTL),
				Logger:       c.opts.Logger,
				OnRefresh:    metrics.ObserveRefresh,
			},
		}
	})
	return st
}

func (st *identityState) record(dialect, source string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if dialect != "" {
		st.dialect = dialect
	}
	if source != "" {
		st.source = source
	}
	st.lastErr = err
}

func (c *Core) logf(format string, args ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Printf(format, args...)
	}
}

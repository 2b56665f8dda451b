package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/stbportal/internal/catalog"
	"github.com/snapetech/stbportal/internal/indexer"
	"github.com/snapetech/stbportal/internal/metrics"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/portalerr"
	"github.com/snapetech/stbportal/internal/retry"
)

// BeginFetch starts loading id's catalog, from the persistent cache when it holds a
// readable record and from the portal otherwise. It returns the job ID carried by
// the job's events; the job ends with exactly one EventCatalogReady or EventError.
func (c *Core) BeginFetch(id portal.Identity) (string, error) {
	return c.startFetch(id, false)
}

// Refresh is BeginFetch that always goes to the portal.
func (c *Core) Refresh(id portal.Identity) (string, error) {
	return c.startFetch(id, true)
}

// CancelFetch asks every running fetch to stop at its next checkpoint. A cancelled
// fetch reports Cancelled and leaves the current catalog in place.
func (c *Core) CancelFetch() {
	c.fetching.Range(func(_ string, job *fetchJob) bool {
		job.flag.Cancel()
		return true
	})
}

func (c *Core) startFetch(id portal.Identity, network bool) (string, error) {
	if err := id.Validate(); err != nil {
		return "", portalerr.Wrap(portalerr.AuthenticationFailure, "fetch", err)
	}
	key := id.Hash()
	job := &fetchJob{id: uuid.NewString(), started: time.Now(), flag: retry.NewFlag()}
	if _, loaded := c.fetching.LoadOrStore(key, job); loaded {
		return "", ErrFetchInProgress
	}
	st := c.state(id)
	err := c.pool.Submit(func() {
		ev := c.runFetch(job, st, network)
		c.fetching.Delete(key)
		c.deliver(ev)
	})
	if err != nil {
		c.fetching.Delete(key)
		return "", fmt.Errorf("fetch %s: %w", id, err)
	}
	return job.id, nil
}

// runFetch produces the job's terminal event. The current catalog is replaced only
// on success.
func (c *Core) runFetch(job *fetchJob, st *identityState, network bool) Event {
	id := st.identity
	if !network && c.opts.Cache != nil {
		c.progress(job.id, id, "loading cached catalog")
		if cat, ok := c.opts.Cache.Load(id); ok {
			c.install(st, cat, "", "cache")
			c.logf("%s: %d channels from cache (%s)", id, cat.Len(), cat.CreatedAt.Format(time.RFC3339))
			return Event{Kind: EventCatalogReady, JobID: job.id, Identity: id, Catalog: cat, Source: "cache"}
		}
	}

	cat, tpl, err := c.fetchNetwork(job, st)
	if err != nil {
		st.record("", "", err)
		c.logf("%s: catalog fetch failed after %s: %v", id, time.Since(job.started).Round(time.Millisecond), err)
		return Event{Kind: EventError, JobID: job.id, Identity: id, Err: err}
	}
	c.install(st, cat, tpl.Name, "network")
	if c.opts.Cache != nil {
		if err := c.opts.Cache.Save(id, cat); err != nil {
			c.logf("%s: cache save: %v", id, err)
		}
	}
	c.logf("%s: %d channels via %s in %s", id, cat.Len(), tpl.Name, time.Since(job.started).Round(time.Millisecond))
	return Event{Kind: EventCatalogReady, JobID: job.id, Identity: id, Catalog: cat, Source: "network"}
}

func (c *Core) install(st *identityState, cat *catalog.Catalog, dialect, source string) {
	st.holder.Replace(cat)
	st.record(dialect, source, nil)
	metrics.Fetches.WithLabelValues(source).Inc()
	metrics.CatalogChannels.Set(float64(cat.Len()))
}

// fetchNetwork discovers the dialect, downloads the catalog under the retry policy,
// classifies and parses it. The resolver is bound to the discovered session only
// once the catalog has been built.
func (c *Core) fetchNetwork(job *fetchJob, st *identityState) (*catalog.Catalog, portal.Template, error) {
	id := st.identity
	c.progress(job.id, id, "probing portal")
	tpl, s, err := c.prober.Discover(c.ctx, id, job.flag)
	if err != nil {
		return nil, portal.Template{}, err
	}

	c.progress(job.id, id, "dialect %s, downloading catalog", tpl.Name)
	body, err := retry.Run(c.ctx, c.opts.Orchestrator, "catalog", job.flag, func(ctx context.Context, a retry.Attempt) ([]byte, error) {
		cur := s
		if s.Prefetched == nil {
			cur = s.WithTier(laterTier(s.Tier, a.Tier))
		}
		return c.opts.Client.FetchCatalog(ctx, cur)
	})
	if err != nil {
		return nil, tpl, err
	}

	format := indexer.Classify(body)
	c.progress(job.id, id, "parsing %s catalog (%d bytes)", format, len(body))
	if format != tpl.Dialect {
		c.logf("%s: %s catalog answered as %s", id, tpl.Name, format)
	}
	entries, err := indexer.Parse(format, body, tpl.Source(id))
	if err != nil {
		return nil, tpl, err
	}
	cat, err := catalog.Build(entries, id, time.Now().UTC())
	if err != nil {
		return nil, tpl, err
	}
	if job.flag.Cancelled() {
		return nil, tpl, &portalerr.Error{Kind: portalerr.Cancelled, Stage: "catalog", Detail: "cancelled after download"}
	}
	st.resolver.Bind(tpl, s)
	return cat, tpl, nil
}

// laterTier keeps the catalog download at least at the tier discovery needed.
func laterTier(a, b retry.Tier) retry.Tier {
	if b.Connect+b.Read < a.Connect+a.Read {
		return a
	}
	return b
}

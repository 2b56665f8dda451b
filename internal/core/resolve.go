package core

import (
	"context"
	"fmt"

	"github.com/snapetech/stbportal/internal/catalog"
	"github.com/snapetech/stbportal/internal/metrics"
	"github.com/snapetech/stbportal/internal/playback"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/portalerr"
)

// ResolveOptions tunes ResolveAndGetURL.
type ResolveOptions struct {
	// AllowFallback hands off the channel's catalog URL, marked Degraded, when
	// resolution fails. It never applies to a cancelled resolve.
	AllowFallback bool
}

type resolveResult struct {
	url string
	err error
}

// ResolveAndGetURL resolves ch for playback and records the hand-off. The link call
// runs on the worker pool; at most one runs per identity, and concurrent requests
// for the same channel share one call. ctx bounds only the caller's wait: an
// abandoned resolve still completes and fills the token cache.
func (c *Core) ResolveAndGetURL(ctx context.Context, id portal.Identity, ch catalog.ChannelRecord, opts ResolveOptions) (playback.Handoff, error) {
	if err := id.Validate(); err != nil {
		return playback.Handoff{}, portalerr.Wrap(portalerr.AuthenticationFailure, "resolve", err)
	}
	if ctx.Err() != nil {
		return playback.Handoff{}, &portalerr.Error{Kind: portalerr.Cancelled, Stage: "resolve", Err: ctx.Err()}
	}
	st := c.state(id)
	if u, ok := st.resolver.Tokens.Get(ch.RawCommand); ok {
		metrics.Resolves.WithLabelValues("cached").Inc()
		return c.handoff(id, ch, u, false), nil
	}

	key := id.Hash() + "\x00" + ch.RawCommand
	wait := c.flight.DoChan(key, func() (any, error) {
		return c.resolveShared(st, ch.RawCommand)
	})
	var url string
	var err error
	select {
	case r := <-wait:
		url, _ = r.Val.(string)
		err = r.Err
	case <-ctx.Done():
		err = &portalerr.Error{Kind: portalerr.Cancelled, Stage: "resolve", Err: ctx.Err()}
	}

	if err != nil {
		if opts.AllowFallback && ch.AbsoluteStreamURL != "" && portalerr.KindOf(err) != portalerr.Cancelled {
			c.logf("%s: resolve %q failed, handing off catalog URL: %v", id, ch.DisplayName, err)
			metrics.Resolves.WithLabelValues("fallback").Inc()
			return c.handoff(id, ch, ch.AbsoluteStreamURL, true), nil
		}
		metrics.Resolves.WithLabelValues("failed").Inc()
		st.record("", "", err)
		return playback.Handoff{}, err
	}
	metrics.Resolves.WithLabelValues("resolved").Inc()
	return c.handoff(id, ch, url, false), nil
}

// resolveShared holds the identity's resolve slot for the duration of one resolve.
func (c *Core) resolveShared(st *identityState, raw string) (string, error) {
	select {
	case st.slot <- struct{}{}:
	case <-c.ctx.Done():
		return "", &portalerr.Error{Kind: portalerr.Cancelled, Stage: "resolve", Detail: "shutting down"}
	}
	defer func() { <-st.slot }()

	done := make(chan resolveResult, 1)
	if err := c.pool.Submit(func() {
		u, err := st.resolver.Resolve(c.ctx, raw, st.identity, nil)
		done <- resolveResult{u, err}
	}); err != nil {
		return "", fmt.Errorf("resolve %s: %w", st.identity, err)
	}
	r := <-done
	return r.url, r.err
}

func (c *Core) handoff(id portal.Identity, ch catalog.ChannelRecord, url string, degraded bool) playback.Handoff {
	h := playback.NewHandoff(id, ch.DisplayName, ch.RawCommand, url, c.opts.UserAgent, degraded)
	c.tracker.Start(h)
	metrics.ActivePlayback.Set(float64(c.tracker.Active()))
	return h
}

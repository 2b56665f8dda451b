// Package resolver exchanges a channel's raw command for a short-lived playable URL.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/snapetech/stbportal/internal/catalog"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/portalerr"
	"github.com/snapetech/stbportal/internal/retry"
	"github.com/snapetech/stbportal/internal/safeurl"
	"github.com/snapetech/stbportal/internal/tokencache"
)

// Resolver resolves raw commands for one portal identity. It is the only writer of
// its TokenCache.
type Resolver struct {
	Client       *portal.Client
	Prober       *portal.Prober
	Orchestrator *retry.Orchestrator
	Tokens       *tokencache.Cache
	Logger       *log.Logger
	// OnRefresh, if set, is called after every session refresh attempt.
	OnRefresh func(err error)

	mu      sync.Mutex
	tpl     portal.Template
	session *portal.Session
	bound   bool
}

// Bind installs the dialect and session a fetch established. Resolves made before
// any Bind discover the dialect themselves.
func (r *Resolver) Bind(tpl portal.Template, s *portal.Session) {
	r.mu.Lock()
	r.tpl, r.session, r.bound = tpl, s, true
	r.mu.Unlock()
}

// Forget drops the cached URL for rawCommand, e.g. once playback has consumed it.
func (r *Resolver) Forget(rawCommand string) {
	r.Tokens.Forget(rawCommand)
}

func (r *Resolver) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

func (r *Resolver) current() (portal.Template, *portal.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tpl, r.session, r.bound
}

// Resolve returns a playable URL for rawCommand. A cached, unexpired URL is returned
// without a network call. Otherwise the link-creation call runs under the retry
// policy; an unauthorized answer triggers exactly one session refresh and exactly
// one further call, and a second unauthorized answer is TokenExpired.
func (r *Resolver) Resolve(ctx context.Context, rawCommand string, id portal.Identity, flag *retry.Flag) (string, error) {
	if rawCommand == "" {
		return "", portalerr.New(portalerr.ChannelGone, "resolve", "empty command")
	}
	if u, ok := r.Tokens.Get(rawCommand); ok {
		return u, nil
	}
	tpl, s, err := r.ensureSession(ctx, id, flag)
	if err != nil {
		return "", err
	}
	root, err := id.Root()
	if err != nil {
		return "", portalerr.Wrap(portalerr.FormatUnsupported, "resolve", err)
	}
	if !tpl.HasLink() {
		out, err := catalog.Normalize(rawCommand, root)
		if err != nil {
			return "", portalerr.Wrap(portalerr.FormatUnsupported, "resolve", err)
		}
		return out, nil
	}

	cmd, err := r.createLink(ctx, s, rawCommand, flag)
	if isUnauthorized(err) {
		r.logf("resolve %s: unauthorized, refreshing session", id)
		r.Tokens.Clear()
		if fresh, rerr := r.Prober.Refresh(ctx, id, tpl, s.Tier); rerr != nil {
			r.logf("resolve %s: session refresh failed: %v", id, rerr)
			r.notifyRefresh(rerr)
		} else {
			r.notifyRefresh(nil)
			r.mu.Lock()
			r.session = fresh
			r.mu.Unlock()
			s = fresh
		}
		cmd, err = r.createLinkOnce(ctx, s, rawCommand)
		if isUnauthorized(err) {
			var pe *portalerr.Error
			errors.As(err, &pe)
			return "", &portalerr.Error{Kind: portalerr.TokenExpired, Stage: "resolve", StatusCode: http.StatusUnauthorized,
				Detail: "still unauthorized after session refresh", Err: pe.Err}
		}
	}
	if err != nil {
		return "", err
	}
	if cmd == rawCommand {
		return "", portalerr.New(portalerr.FormatUnsupported, "resolve", "portal returned the command unchanged")
	}
	out, err := catalog.Normalize(cmd, root)
	if err != nil {
		return "", portalerr.Wrap(portalerr.FormatUnsupported, "resolve", fmt.Errorf("link %q: %w", cmd, err))
	}
	if !safeurl.IsHTTPOrHTTPS(out) {
		r.logf("resolve %s: non-http stream %s", id, safeurl.Redact(out))
	}
	r.Tokens.Put(rawCommand, out)
	return out, nil
}

func (r *Resolver) notifyRefresh(err error) {
	if r.OnRefresh != nil {
		r.OnRefresh(err)
	}
}

// createLink runs the link call under the retry policy: transport failures and
// overload are retried with backoff and tier escalation.
func (r *Resolver) createLink(ctx context.Context, s *portal.Session, rawCommand string, flag *retry.Flag) (string, error) {
	o := r.Orchestrator
	if o == nil {
		o, _ = retry.New(retry.DefaultPolicy())
	}
	return retry.Run(ctx, o, "resolve", flag, func(ctx context.Context, a retry.Attempt) (string, error) {
		return r.Client.CreateLink(ctx, s.WithTier(a.Tier), rawCommand)
	})
}

// createLinkOnce is the single post-refresh call at the session's tier.
func (r *Resolver) createLinkOnce(ctx context.Context, s *portal.Session, rawCommand string) (string, error) {
	return r.Client.CreateLink(ctx, s, rawCommand)
}

func (r *Resolver) ensureSession(ctx context.Context, id portal.Identity, flag *retry.Flag) (portal.Template, *portal.Session, error) {
	tpl, s, bound := r.current()
	if bound && (s != nil || !tpl.HasLink()) {
		return tpl, s, nil
	}
	tpl, s, err := r.Prober.Discover(ctx, id, flag)
	if err != nil {
		return portal.Template{}, nil, err
	}
	r.Bind(tpl, s)
	return tpl, s, nil
}

func isUnauthorized(err error) bool {
	var pe *portalerr.Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized
}

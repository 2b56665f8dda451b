package portal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/snapetech/stbportal/internal/indexer"
	"github.com/snapetech/stbportal/internal/portalerr"
	"github.com/snapetech/stbportal/internal/retry"
)

// Prober discovers which dialect a portal speaks.
type Prober struct {
	Client       *Client
	Orchestrator *retry.Orchestrator
	Table        []Template // nil = DefaultTable()
	Logger       *log.Logger
}

func (p *Prober) table() []Template {
	if len(p.Table) == 0 {
		return DefaultTable()
	}
	return p.Table
}

func (p *Prober) orchestrator() *retry.Orchestrator {
	if p.Orchestrator != nil {
		return p.Orchestrator
	}
	o, _ := retry.New(retry.DefaultPolicy())
	return o
}

func (p *Prober) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Discover walks the dialect table in order under the orchestrator's current
// timeout tier and returns the first template whose handshake (or, for dialects
// without one, whose catalog probe) succeeds, with the session it established.
// A pass in which any template failed transiently is retried at the next tier;
// once every tier is exhausted the result is AuthenticationFailure listing every
// template tried. A subscription verdict from the portal stops discovery.
func (p *Prober) Discover(ctx context.Context, id Identity, flag *retry.Flag) (Template, *Session, error) {
	if err := id.Validate(); err != nil {
		return Template{}, nil, portalerr.Wrap(portalerr.AuthenticationFailure, "probe", err)
	}
	var attempted []string
	type found struct {
		tpl Template
		s   *Session
	}
	res, err := retry.Run(ctx, p.orchestrator(), "probe", flag, func(ctx context.Context, a retry.Attempt) (found, error) {
		transient := false
		var lastTransient error
		for _, tpl := range p.table() {
			if flag.Cancelled() {
				return found{}, &portalerr.Error{Kind: portalerr.Cancelled, Stage: "probe"}
			}
			attempted = append(attempted, tpl.Name+"@"+a.Tier.String())
			s, err := p.try(ctx, id, tpl, a.Tier)
			if err == nil {
				p.logf("probe %s: dialect %s answered (tier %s)", id, tpl.Name, a.Tier)
				return found{tpl, s}, nil
			}
			switch kind := portalerr.KindOf(err); {
			case kind == portalerr.SubscriptionInvalid, kind == portalerr.Cancelled:
				return found{}, err
			case kind.Retryable():
				transient = true
				lastTransient = err
			}
			p.logf("probe %s: dialect %s: %v", id, tpl.Name, err)
		}
		if transient {
			return found{}, &portalerr.Error{Kind: portalerr.TransientNetworkFailure, Stage: "probe",
				Detail: "no dialect answered at tier " + a.Tier.String(), RetryAfter: portalerr.RetryAfterOf(lastTransient), Err: lastTransient}
		}
		return found{}, &portalerr.Error{Kind: portalerr.AuthenticationFailure, Stage: "probe",
			Detail: "no dialect accepted the device", Attempted: append([]string(nil), attempted...)}
	})
	if err != nil {
		if portalerr.Retryable(err) {
			err = &portalerr.Error{Kind: portalerr.AuthenticationFailure, Stage: "probe",
				Detail: "every dialect exhausted across all timeout tiers", Attempted: attempted, Err: errors.Unwrap(err)}
		}
		return Template{}, nil, err
	}
	return res.tpl, res.s, nil
}

// try runs one template's auth step at tier. It never touches the catalog path of a
// handshake dialect.
func (p *Prober) try(ctx context.Context, id Identity, tpl Template, tier retry.Tier) (*Session, error) {
	s, err := NewSession(id, tpl, tier, p.Client.Timezone)
	if err != nil {
		return nil, err
	}
	if tpl.HasAuth() {
		if err := p.Client.Handshake(ctx, s); err != nil {
			return nil, err
		}
		return s, nil
	}
	return s, p.probeCatalog(ctx, s)
}

// probeCatalog is the handshake for dialects without one: the catalog must answer
// 200 with a non-empty body in the template's format.
func (p *Prober) probeCatalog(ctx context.Context, s *Session) error {
	tpl := s.Template
	resp, err := p.Client.get(ctx, s, "probe", tpl.CatalogURL(s.Identity))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("probe", resp)
	}
	if tpl.Dialect == indexer.FlatList {
		if status, denied := indexer.XtreamAccount(resp.Body); denied {
			return portalerr.New(portalerr.SubscriptionInvalid, "probe", "%s: account %s", tpl.Name, status)
		}
	}
	if len(resp.Body) == 0 {
		return portalerr.New(portalerr.AuthenticationFailure, "probe", "%s: empty response", tpl.Name)
	}
	if got := indexer.Classify(resp.Body); got != tpl.Dialect {
		return portalerr.New(portalerr.AuthenticationFailure, "probe", "%s: got %s, want %s", tpl.Name, got, tpl.Dialect)
	}
	s.Prefetched = resp.Body
	return nil
}

// Refresh re-runs only tpl's handshake at tier and returns a fresh session.
func (p *Prober) Refresh(ctx context.Context, id Identity, tpl Template, tier retry.Tier) (*Session, error) {
	s, err := NewSession(id, tpl, tier, p.Client.Timezone)
	if err != nil {
		return nil, err
	}
	if !tpl.HasAuth() {
		return s, nil
	}
	if err := p.Client.Handshake(ctx, s); err != nil {
		return nil, fmt.Errorf("refresh %s: %w", tpl.Name, err)
	}
	return s, nil
}

// Package retry runs probe, catalog and resolve operations under a bounded,
// tier-escalating, backoff-aware attempt loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snapetech/stbportal/internal/portalerr"
)

// State is a position in the attempt state machine.
type State int

const (
	Idle State = iota
	Attempting
	Backoff
	Succeeded
	Terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attempting:
		return "attempting"
	case Backoff:
		return "backoff"
	case Succeeded:
		return "succeeded"
	case Terminal:
		return "terminal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Tier is one connect/read timeout pair. Tiers are ordered, increasing.
type Tier struct {
	Connect time.Duration
	Read    time.Duration
}

func (t Tier) String() string { return t.Connect.String() + "/" + t.Read.String() }

// Policy bounds an operation.
type Policy struct {
	Tiers       []Tier
	MaxAttempts int             // total attempts; 0 = len(Tiers)
	Backoff     []time.Duration // delay after failed attempt n is Backoff[min(n, len-1)]
	MaxHint     time.Duration   // cap for server Retry-After hints; 0 = 60s
}

// DefaultPolicy: three escalating tiers, three attempts, 1s/2s/4s backoff.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: []Tier{
			{Connect: 3 * time.Second, Read: 5 * time.Second},
			{Connect: 5 * time.Second, Read: 10 * time.Second},
			{Connect: 10 * time.Second, Read: 20 * time.Second},
		},
		MaxAttempts: 3,
		Backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Validate rejects policies the state machine cannot run.
func (p Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return errors.New("retry policy: no timeout tiers")
	}
	for i := 1; i < len(p.Backoff); i++ {
		if p.Backoff[i] < p.Backoff[i-1] {
			return fmt.Errorf("retry policy: backoff schedule must be non-decreasing (%v after %v)", p.Backoff[i], p.Backoff[i-1])
		}
	}
	if p.MaxAttempts < 0 {
		return errors.New("retry policy: negative max attempts")
	}
	return nil
}

func (p Policy) attempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return len(p.Tiers)
}

func (p Policy) tier(n int) Tier {
	if len(p.Tiers) == 0 {
		return Tier{}
	}
	if n >= len(p.Tiers) {
		n = len(p.Tiers) - 1
	}
	return p.Tiers[n]
}

func (p Policy) delay(n int, hint time.Duration) time.Duration {
	var d time.Duration
	if len(p.Backoff) > 0 {
		if n >= len(p.Backoff) {
			n = len(p.Backoff) - 1
		}
		d = p.Backoff[n]
	}
	maxHint := p.MaxHint
	if maxHint <= 0 {
		maxHint = 60 * time.Second
	}
	if hint > maxHint {
		hint = maxHint
	}
	if hint > d {
		d = hint
	}
	return d
}

// Attempt describes the attempt an operation is being run for.
type Attempt struct {
	N    int // 0-based
	Tier Tier
}

// Transition is reported to Orchestrator.OnTransition.
type Transition struct {
	Op   string
	From State
	To   State
	N    int
	Err  error
}

// Orchestrator runs operations under a Policy.
type Orchestrator struct {
	Policy Policy
	// OnTransition, if set, observes every state change (metrics, debug logging).
	OnTransition func(Transition)
	// Sleep waits d or until ctx/flag fires; tests replace it. Returns false when interrupted.
	Sleep func(ctx context.Context, flag *Flag, d time.Duration) bool
}

// New returns an orchestrator for p.
func New(p Policy) (*Orchestrator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{Policy: p}, nil
}

// Do runs op until it succeeds, fails terminally, exhausts the attempt bound or is cancelled.
// op name is used for diagnostics. flag may be nil.
func (o *Orchestrator) Do(ctx context.Context, name string, flag *Flag, op func(ctx context.Context, a Attempt) error) error {
	_, err := Run(ctx, o, name, flag, func(ctx context.Context, a Attempt) (struct{}, error) {
		return struct{}{}, op(ctx, a)
	})
	return err
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, o *Orchestrator, name string, flag *Flag, op func(ctx context.Context, a Attempt) (T, error)) (T, error) {
	var zero T
	state := Idle
	move := func(to State, n int, err error) {
		if o.OnTransition != nil {
			o.OnTransition(Transition{Op: name, From: state, To: to, N: n, Err: err})
		}
		state = to
	}
	cancelled := func(n int) (T, error) {
		err := &portalerr.Error{Kind: portalerr.Cancelled, Stage: name, Detail: fmt.Sprintf("cancelled before attempt %d", n+1)}
		move(Terminal, n, err)
		return zero, err
	}

	max := o.Policy.attempts()
	var lastErr error
	for n := 0; n < max; n++ {
		if flag.Cancelled() || ctx.Err() != nil {
			return cancelled(n)
		}
		move(Attempting, n, nil)
		v, err := op(ctx, Attempt{N: n, Tier: o.Policy.tier(n)})
		if err == nil {
			move(Succeeded, n, nil)
			return v, nil
		}
		lastErr = err
		if flag.Cancelled() || portalerr.KindOf(err) == portalerr.Cancelled {
			return cancelled(n + 1)
		}
		if !portalerr.Retryable(err) || n == max-1 {
			move(Terminal, n, err)
			return zero, err
		}
		move(Backoff, n, err)
		if !o.sleep(ctx, flag, o.Policy.delay(n, portalerr.RetryAfterOf(err))) {
			return cancelled(n + 1)
		}
	}
	// Only reachable with MaxAttempts == 0 and no tiers.
	if lastErr == nil {
		lastErr = errors.New(name + ": retry policy allows no attempts")
	}
	move(Terminal, max, lastErr)
	return zero, lastErr
}

func (o *Orchestrator) sleep(ctx context.Context, flag *Flag, d time.Duration) bool {
	if o.Sleep != nil {
		return o.Sleep(ctx, flag, d)
	}
	return SleepContext(ctx, flag, d)
}

// SleepContext waits d, returning false early if ctx is done or flag is raised.
func SleepContext(ctx context.Context, flag *Flag, d time.Duration) bool {
	if d <= 0 {
		return !flag.Cancelled() && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !flag.Cancelled()
	case <-ctx.Done():
		return false
	case <-flag.Done():
		return false
	}
}

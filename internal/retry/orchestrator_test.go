package retry

import (
	"context"
	"testing"
	"time"

	"github.com/snapetech/stbportal/internal/portalerr"
)

func testOrchestrator(t *testing.T, p Policy) (*Orchestrator, *[]time.Duration, *[]Transition) {
	t.Helper()
	o, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	var slept []time.Duration
	var transitions []Transition
	o.Sleep = func(ctx context.Context, flag *Flag, d time.Duration) bool {
		slept = append(slept, d)
		return !flag.Cancelled()
	}
	o.OnTransition = func(tr Transition) { transitions = append(transitions, tr) }
	return o, &slept, &transitions
}

func threeTiers() Policy {
	return Policy{
		Tiers:       []Tier{{time.Second, time.Second}, {2 * time.Second, 2 * time.Second}, {3 * time.Second, 3 * time.Second}},
		MaxAttempts: 3,
		Backoff:     []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}
}

func TestRun_successFirstAttempt(t *testing.T) {
	o, slept, trs := testOrchestrator(t, threeTiers())
	v, err := Run(context.Background(), o, "probe", nil, func(ctx context.Context, a Attempt) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Run = %q, %v", v, err)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want none", *slept)
	}
	if got := (*trs)[len(*trs)-1].To; got != Succeeded {
		t.Errorf("final state = %s", got)
	}
}

func TestRun_escalatesTiersAndBacksOff(t *testing.T) {
	o, slept, _ := testOrchestrator(t, threeTiers())
	var tiers []Tier
	_, err := Run(context.Background(), o, "catalog", nil, func(ctx context.Context, a Attempt) (int, error) {
		tiers = append(tiers, a.Tier)
		if a.N < 2 {
			return 0, portalerr.New(portalerr.TransientNetworkFailure, "catalog", "timeout")
		}
		return 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tiers) != 3 || tiers[0].Connect != time.Second || tiers[2].Connect != 3*time.Second {
		t.Errorf("tiers = %v", tiers)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("slept = %v, want %v", *slept, want)
	}
}

func TestRun_exhaustsBound(t *testing.T) {
	o, _, trs := testOrchestrator(t, threeTiers())
	calls := 0
	err := o.Do(context.Background(), "resolve", nil, func(ctx context.Context, a Attempt) error {
		calls++
		return portalerr.FromStatus("resolve", 503, 0)
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !portalerr.Is(err, portalerr.ServerOverload) {
		t.Errorf("err = %v", err)
	}
	if got := (*trs)[len(*trs)-1].To; got != Terminal {
		t.Errorf("final state = %s", got)
	}
}

func TestRun_nonRetryableIsImmediate(t *testing.T) {
	o, slept, _ := testOrchestrator(t, threeTiers())
	calls := 0
	err := o.Do(context.Background(), "resolve", nil, func(ctx context.Context, a Attempt) error {
		calls++
		return portalerr.FromStatus("resolve", 404, 0)
	})
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("calls = %d slept = %v", calls, *slept)
	}
	if !portalerr.Is(err, portalerr.ChannelGone) {
		t.Errorf("err = %v", err)
	}
}

func TestRun_retryAfterHintStretchesBackoff(t *testing.T) {
	o, slept, _ := testOrchestrator(t, threeTiers())
	n := 0
	o.Do(context.Background(), "catalog", nil, func(ctx context.Context, a Attempt) error {
		n++
		if n == 1 {
			return portalerr.FromStatus("catalog", 429, 5*time.Second)
		}
		return nil
	})
	if len(*slept) != 1 || (*slept)[0] != 5*time.Second {
		t.Errorf("slept = %v, want [5s]", *slept)
	}
}

func TestRun_cancelBeforeAttempt(t *testing.T) {
	o, _, _ := testOrchestrator(t, threeTiers())
	flag := NewFlag()
	flag.Cancel()
	calls := 0
	err := o.Do(context.Background(), "catalog", flag, func(ctx context.Context, a Attempt) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
	if !portalerr.Is(err, portalerr.Cancelled) {
		t.Errorf("err = %v", err)
	}
}

func TestRun_cancelDuringAttemptIsNotRetried(t *testing.T) {
	o, slept, _ := testOrchestrator(t, threeTiers())
	flag := NewFlag()
	calls := 0
	err := o.Do(context.Background(), "catalog", flag, func(ctx context.Context, a Attempt) error {
		calls++
		flag.Cancel()
		return portalerr.New(portalerr.TransientNetworkFailure, "catalog", "timeout")
	})
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("calls = %d slept = %v", calls, *slept)
	}
	if !portalerr.Is(err, portalerr.Cancelled) {
		t.Errorf("err = %v", err)
	}
}

func TestSleepContext_interruptedByFlag(t *testing.T) {
	flag := NewFlag()
	go func() {
		time.Sleep(10 * time.Millisecond)
		flag.Cancel()
	}()
	start := time.Now()
	if SleepContext(context.Background(), flag, 5*time.Second) {
		t.Error("sleep should report interruption")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("sleep was not interrupted promptly")
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := (Policy{}).Validate(); err == nil {
		t.Error("empty tiers should be rejected")
	}
	p := threeTiers()
	p.Backoff = []time.Duration{2 * time.Second, time.Second}
	if err := p.Validate(); err == nil {
		t.Error("decreasing backoff should be rejected")
	}
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy: %v", err)
	}
}

func TestFlag_nilSafe(t *testing.T) {
	var f *Flag
	f.Cancel()
	if f.Cancelled() {
		t.Error("nil flag should never be cancelled")
	}
	if f.Done() != nil {
		t.Error("nil flag Done should be nil")
	}
	var zero Flag
	zero.Cancel()
	zero.Cancel()
	if !zero.Cancelled() {
		t.Error("zero flag should cancel")
	}
	select {
	case <-zero.Done():
	default:
		t.Error("Done should be closed after Cancel")
	}
}

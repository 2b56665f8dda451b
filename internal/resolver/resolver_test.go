package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snapetech/stbportal/internal/httpclient"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/portalerr"
	"github.com/snapetech/stbportal/internal/retry"
	"github.com/snapetech/stbportal/internal/tokencache"
)

const testMAC = "00:1A:79:00:00:01"

type portalStub struct {
	linkCalls      atomic.Int32
	handshakeCalls atomic.Int32
	link           func(w http.ResponseWriter, r *http.Request, n int32)
	handshake      func(w http.ResponseWriter, r *http.Request, n int32)
}

func (p *portalStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "create_link":
		n := p.linkCalls.Add(1)
		p.link(w, r, n)
	case "handshake":
		n := p.handshakeCalls.Add(1)
		if p.handshake == nil {
			w.Write([]byte(`{"js":{"token":"T2"}}`))
			return
		}
		p.handshake(w, r, n)
	default:
		http.NotFound(w, r)
	}
}

func newTestResolver(t *testing.T, srv *httptest.Server) (*Resolver, portal.Identity) {
	t.Helper()
	o, err := retry.New(retry.Policy{
		Tiers:       []retry.Tier{{Connect: time.Second, Read: time.Second}},
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	o.Sleep = func(context.Context, *retry.Flag, time.Duration) bool { return true }
	client := &portal.Client{Fetcher: &httpclient.Fetcher{HostSem: httpclient.NewHostSemaphore(4)}}
	r := &Resolver{
		Client:       client,
		Prober:       &portal.Prober{Client: client, Orchestrator: o},
		Orchestrator: o,
		Tokens:       tokencache.New(time.Minute),
	}
	id := portal.Identity{BaseURL: srv.URL, DeviceID: testMAC}
	tpl, _ := portal.Lookup(portal.DefaultTable(), "server-load")
	s, err := portal.NewSession(id, tpl, o.Policy.Tiers[0], "")
	if err != nil {
		t.Fatal(err)
	}
	s.Token = "T1"
	r.Bind(tpl, s)
	return r, id
}

func TestResolve_successIsCached(t *testing.T) {
	stub := &portalStub{link: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.Write([]byte(`{"js":{"cmd":"ffmpeg http://localhost/ch/99_?play_token=abc"}}`))
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)

	for i := 0; i < 3; i++ {
		got, err := r.Resolve(context.Background(), "http://localhost/ch/99_", id, nil)
		if err != nil {
			t.Fatal(err)
		}
		want := strings.TrimSuffix(srv.URL, "/") + "/ch/99_?play_token=abc"
		if got != want {
			t.Errorf("Resolve = %q, want %q", got, want)
		}
	}
	if n := stub.linkCalls.Load(); n != 1 {
		t.Errorf("link calls = %d, want 1 (cache hits after the first)", n)
	}
	r.Forget("http://localhost/ch/99_")
	r.Resolve(context.Background(), "http://localhost/ch/99_", id, nil)
	if n := stub.linkCalls.Load(); n != 2 {
		t.Errorf("link calls after Forget = %d, want 2", n)
	}
}

// Scenario: unauthorized link call, failing refresh handshake. Exactly two link
// calls are made and the result is TokenExpired.
func TestResolve_unauthorizedRefreshFails(t *testing.T) {
	stub := &portalStub{
		link: func(w http.ResponseWriter, r *http.Request, n int32) {
			w.WriteHeader(http.StatusUnauthorized)
		},
		handshake: func(w http.ResponseWriter, r *http.Request, n int32) {
			w.WriteHeader(http.StatusForbidden)
		},
	}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)
	var refreshErr error
	r.OnRefresh = func(err error) { refreshErr = err }

	_, err := r.Resolve(context.Background(), "http://localhost/ch/1", id, nil)
	if !portalerr.Is(err, portalerr.TokenExpired) {
		t.Fatalf("err = %v, want token_expired", err)
	}
	if n := stub.linkCalls.Load(); n != 2 {
		t.Errorf("link calls = %d, want 2", n)
	}
	if n := stub.handshakeCalls.Load(); n != 1 {
		t.Errorf("refresh handshakes = %d, want 1", n)
	}
	if refreshErr == nil {
		t.Error("refresh failure should be reported")
	}
}

func TestResolve_unauthorizedRefreshSucceeds(t *testing.T) {
	stub := &portalStub{link: func(w http.ResponseWriter, r *http.Request, n int32) {
		if r.Header.Get("Authorization") != "Bearer T2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"js":{"cmd":"http://cdn.test/ch/1?t=new"}}`))
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)
	r.Tokens.Put("other", "http://cdn.test/old")

	got, err := r.Resolve(context.Background(), "http://localhost/ch/1", id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://cdn.test/ch/1?t=new" {
		t.Errorf("Resolve = %q", got)
	}
	if _, ok := r.Tokens.Get("other"); ok {
		t.Error("session refresh should clear the token cache")
	}
	if n := stub.linkCalls.Load(); n != 2 {
		t.Errorf("link calls = %d, want 2", n)
	}
}

func TestResolve_notFoundIsChannelGone(t *testing.T) {
	stub := &portalStub{link: func(w http.ResponseWriter, r *http.Request, n int32) {
		http.NotFound(w, r)
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)

	_, err := r.Resolve(context.Background(), "http://localhost/ch/1", id, nil)
	if !portalerr.Is(err, portalerr.ChannelGone) {
		t.Errorf("err = %v", err)
	}
	if n := stub.linkCalls.Load(); n != 1 {
		t.Errorf("link calls = %d, want 1", n)
	}
}

func TestResolve_overloadRetriedThenTerminal(t *testing.T) {
	stub := &portalStub{link: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusBadGateway)
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)

	_, err := r.Resolve(context.Background(), "http://localhost/ch/1", id, nil)
	if !portalerr.Is(err, portalerr.ServerOverload) {
		t.Errorf("err = %v", err)
	}
	if n := stub.linkCalls.Load(); n != 3 {
		t.Errorf("link calls = %d, want 3", n)
	}
}

func TestResolve_overloadRecovers(t *testing.T) {
	stub := &portalStub{link: func(w http.ResponseWriter, r *http.Request, n int32) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"js":{"cmd":"http://cdn.test/ok"}}`))
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)

	got, err := r.Resolve(context.Background(), "http://localhost/ch/1", id, nil)
	if err != nil || got != "http://cdn.test/ok" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
}

func TestResolve_paymentRequired(t *testing.T) {
	stub := &portalStub{link: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusPaymentRequired)
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)

	if _, err := r.Resolve(context.Background(), "http://localhost/ch/1", id, nil); !portalerr.Is(err, portalerr.SubscriptionInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestResolve_unchangedCommandIsUnsupported(t *testing.T) {
	stub := &portalStub{link: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.Write([]byte(`{"js":{"cmd":"ffmpeg http://localhost/ch/1"}}`))
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)

	if _, err := r.Resolve(context.Background(), "http://localhost/ch/1", id, nil); !portalerr.Is(err, portalerr.FormatUnsupported) {
		t.Errorf("err = %v", err)
	}
}

func TestResolve_noLinkDialectNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	r, id := newTestResolver(t, srv)
	tpl, _ := portal.Lookup(portal.DefaultTable(), "xtream-mac")
	r.Bind(tpl, nil)

	got, err := r.Resolve(context.Background(), "/live/a/b/1.ts", id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != srv.URL+"/live/a/b/1.ts" {
		t.Errorf("Resolve = %q", got)
	}
}

func TestResolve_cancelled(t *testing.T) {
	stub := &portalStub{link: func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	r, id := newTestResolver(t, srv)
	flag := retry.NewFlag()
	flag.Cancel()

	if _, err := r.Resolve(context.Background(), "http://localhost/ch/1", id, flag); !portalerr.Is(err, portalerr.Cancelled) {
		t.Errorf("err = %v", err)
	}
	if n := stub.linkCalls.Load(); n != 0 {
		t.Errorf("link calls = %d, want 0", n)
	}
}

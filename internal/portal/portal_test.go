package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/stbportal/internal/httpclient"
	"github.com/snapetech/stbportal/internal/indexer"
	"github.com/snapetech/stbportal/internal/portalerr"
	"github.com/snapetech/stbportal/internal/retry"
)

const testMAC = "00:1a:79:12:34:56"

type recorder struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
}

func (r *recorder) urls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, req := range r.reqs {
		out = append(out, req.URL.String())
	}
	return out
}

func testProber(t *testing.T) *Prober {
	t.Helper()
	o, err := retry.New(retry.Policy{
		Tiers:       []retry.Tier{{Connect: time.Second, Read: time.Second}, {Connect: 2 * time.Second, Read: 2 * time.Second}},
		MaxAttempts: 2,
		Backoff:     []time.Duration{time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	o.Sleep = func(context.Context, *retry.Flag, time.Duration) bool { return true }
	return &Prober{
		Client:       &Client{Fetcher: &httpclient.Fetcher{HostSem: httpclient.NewHostSemaphore(8)}, Timezone: "UTC"},
		Orchestrator: o,
	}
}

func TestDiscover_firstHandshakeWins(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		if r.URL.Path == "/server/load.php" && r.URL.Query().Get("action") == "handshake" {
			if c, err := r.Cookie("mac"); err != nil || c.Value != strings.ToUpper(testMAC) {
				t.Errorf("mac cookie = %v, %v", c, err)
			}
			if !strings.HasSuffix(r.Header.Get("Referer"), "/index.html") {
				t.Errorf("Referer = %q", r.Header.Get("Referer"))
			}
			if r.Header.Get("User-Agent") != httpclient.DefaultUserAgent {
				t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
			}
			w.Write([]byte(`{"js":{"token":"TOK"}}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tpl, s, err := testProber(t).Discover(context.Background(), Identity{BaseURL: srv.URL + "/", DeviceID: testMAC}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tpl.Name != "server-load" || s.Token != "TOK" {
		t.Errorf("template = %s token = %q", tpl.Name, s.Token)
	}
	if got := len(rec.urls()); got != 2 {
		t.Errorf("requests = %d, want 2 (stalker then server-load): %v", got, rec.urls())
	}
}

// Whatever the table order, a handshake dialect's catalog path is only ever
// requested after its own handshake succeeded, which discovery never does.
func TestDiscover_neverRequestsCatalogBeforeHandshake(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	p := testProber(t)
	table := DefaultTable()
	for i, j := 0, len(table)-1; i < j; i, j = i+1, j-1 {
		table[i], table[j] = table[j], table[i]
	}
	p.Table = table
	_, _, err := p.Discover(context.Background(), Identity{BaseURL: srv.URL, DeviceID: testMAC}, nil)
	if !portalerr.Is(err, portalerr.AuthenticationFailure) {
		t.Fatalf("err = %v", err)
	}
	for _, u := range rec.urls() {
		if strings.Contains(u, "get_all_channels") {
			t.Errorf("catalog requested without handshake: %s", u)
		}
	}
	var pe *portalerr.Error
	if !errors.As(err, &pe) || len(pe.Attempted) != len(table) {
		t.Errorf("attempted = %v", pe)
	}
}

func TestDiscover_transientEscalatesTiersThenFails(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := testProber(t)
	p.Table = DefaultTable()[:2]
	_, _, err := p.Discover(context.Background(), Identity{BaseURL: srv.URL, DeviceID: testMAC}, nil)
	if !portalerr.Is(err, portalerr.AuthenticationFailure) {
		t.Fatalf("err = %v", err)
	}
	if hits != 4 {
		t.Errorf("hits = %d, want 4 (2 templates x 2 tiers)", hits)
	}
	if !strings.Contains(err.Error(), "stalker@1s/1s") || !strings.Contains(err.Error(), "server-load@2s/2s") {
		t.Errorf("diagnostic = %q", err.Error())
	}
}

func TestDiscover_subscriptionInvalidStops(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	_, _, err := testProber(t).Discover(context.Background(), Identity{BaseURL: srv.URL, DeviceID: testMAC}, nil)
	if !portalerr.Is(err, portalerr.SubscriptionInvalid) {
		t.Fatalf("err = %v", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestDiscover_playlistDialectPrefetches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/playlist.m3u" {
			w.Write([]byte("#EXTM3U\n#EXTINF:-1,News\nhttp://x.test/y.ts\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := testProber(t)
	tpl, _ := Lookup(DefaultTable(), "m3u-mac")
	p.Table = []Template{tpl}
	got, s, err := p.Discover(context.Background(), Identity{BaseURL: srv.URL, DeviceID: testMAC}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Dialect != indexer.PlaylistText {
		t.Errorf("dialect = %s", got.Dialect)
	}
	body, err := p.Client.FetchCatalog(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(body), "#EXTM3U") || hits != 1 {
		t.Errorf("body = %q hits = %d", body, hits)
	}
}

func TestDiscover_wrongFormatIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>login</body></html>"))
	}))
	defer srv.Close()

	p := testProber(t)
	tpl, _ := Lookup(DefaultTable(), "m3u-get")
	p.Table = []Template{tpl}
	_, _, err := p.Discover(context.Background(), Identity{BaseURL: srv.URL, DeviceID: testMAC}, nil)
	if !portalerr.Is(err, portalerr.AuthenticationFailure) {
		t.Errorf("err = %v", err)
	}
}

func TestDiscover_xtreamAccountDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user_info":{"auth":0}}`))
	}))
	defer srv.Close()

	p := testProber(t)
	tpl, _ := Lookup(DefaultTable(), "xtream-mac")
	p.Table = []Template{tpl}
	_, _, err := p.Discover(context.Background(), Identity{BaseURL: srv.URL, DeviceID: testMAC}, nil)
	if !portalerr.Is(err, portalerr.SubscriptionInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestDiscover_cancelled(t *testing.T) {
	flag := retry.NewFlag()
	flag.Cancel()
	_, _, err := testProber(t).Discover(context.Background(), Identity{BaseURL: "http://portal.test", DeviceID: testMAC}, flag)
	if !portalerr.Is(err, portalerr.Cancelled) {
		t.Errorf("err = %v", err)
	}
}

func TestCreateLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer TOK" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("cmd") != "http://localhost/ch/1" {
			t.Errorf("cmd = %q", r.URL.Query().Get("cmd"))
		}
		w.Write([]byte(`{"js":{"cmd":"ffmpeg http://cdn.test/ch/1?play_token=abc"}}`))
	}))
	defer srv.Close()

	id := Identity{BaseURL: srv.URL, DeviceID: testMAC}
	tpl, _ := Lookup(DefaultTable(), "server-load")
	s, err := NewSession(id, tpl, retry.Tier{Connect: time.Second, Read: time.Second}, "")
	if err != nil {
		t.Fatal(err)
	}
	c := &Client{}
	if _, err := c.CreateLink(context.Background(), s, "http://localhost/ch/1"); !portalerr.Is(err, portalerr.AuthenticationFailure) {
		t.Errorf("no token: err = %v", err)
	}
	s.Token = "TOK"
	got, err := c.CreateLink(context.Background(), s, "http://localhost/ch/1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://cdn.test/ch/1?play_token=abc" {
		t.Errorf("cmd = %q", got)
	}
}

func TestHandshake_cloudflareChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.Header().Set("CF-RAY", "8a1b2c3d4e-LHR")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	id := Identity{BaseURL: srv.URL, DeviceID: testMAC}
	tpl, _ := Lookup(DefaultTable(), "stalker")
	s, err := NewSession(id, tpl, retry.Tier{Connect: time.Second, Read: time.Second}, "")
	if err != nil {
		t.Fatal(err)
	}
	err = (&Client{}).Handshake(context.Background(), s)
	if !portalerr.Is(err, portalerr.AuthenticationFailure) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "Cloudflare (CF-RAY)") {
		t.Errorf("diagnostic should name the Cloudflare challenge: %v", err)
	}
}

func TestExpand(t *testing.T) {
	got := Expand("/live/{mac}/{id}.ts?cmd={cmd}&mac={mac}", Vars{MAC: "00:1A:79:00:00:01", Cmd: "ffmpeg http://x/1?a=b", ID: "7"})
	want := "/live/00:1A:79:00:00:01/7.ts?cmd=ffmpeg+http%3A%2F%2Fx%2F1%3Fa%3Db&mac=00%3A1A%3A79%3A00%3A00%3A01"
	if got != want {
		t.Errorf("Expand = %q\nwant     %q", got, want)
	}
}

func TestIdentity(t *testing.T) {
	a := Identity{BaseURL: "HTTP://Portal.Example/c/", DeviceID: "00:1a:79:00:00:01"}
	b := Identity{BaseURL: "http://portal.example", DeviceID: "00:1A:79:00:00:01"}
	if a.Base() != "http://portal.example" {
		t.Errorf("Base = %q", a.Base())
	}
	if a.Hash() != b.Hash() || len(a.Hash()) != 64 {
		t.Errorf("hash mismatch: %s vs %s", a.Hash(), b.Hash())
	}
	if a.Hash() == (Identity{BaseURL: "http://other.example", DeviceID: b.DeviceID}).Hash() {
		t.Error("different portals should hash differently")
	}
	if err := a.Validate(); err != nil {
		t.Error(err)
	}
	for _, bad := range []Identity{
		{BaseURL: "ftp://x", DeviceID: b.DeviceID},
		{BaseURL: "http://x", DeviceID: "00:1A:79:00:00"},
		{BaseURL: "http://x", DeviceID: "00-1A-79-00-00-01"},
		{BaseURL: "", DeviceID: b.DeviceID},
	} {
		if bad.Validate() == nil {
			t.Errorf("Validate(%+v) should fail", bad)
		}
	}
	if strings.Contains(a.String(), "00:01") {
		t.Errorf("String leaks device id: %s", a)
	}
}

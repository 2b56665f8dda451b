// Package server is the local HTTP control surface: channel listing, refresh, and
// a /play endpoint that redirects a player to a freshly resolved stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/stbportal/internal/core"
	"github.com/snapetech/stbportal/internal/portal"
	"github.com/snapetech/stbportal/internal/portalerr"
)

// Server serves one portal identity.
type Server struct {
	Addr     string
	BaseURL  string // advertised in /live.m3u; default http://localhost<Addr>
	Core     *core.Core
	Identity portal.Identity
	Logger   *log.Logger
	// ResolveTimeout bounds how long /play waits for a link; 0 = 30s.
	ResolveTimeout time.Duration
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/channels", s.handleChannels).Methods("GET")
	router.HandleFunc("/live.m3u", s.handlePlaylist).Methods("GET")
	router.HandleFunc("/refresh", s.handleRefresh).Methods("POST")
	router.HandleFunc("/play/{index:[0-9]+}", s.handlePlay).Methods("GET")
	router.HandleFunc("/play/{id}/ended", s.handleEnded).Methods("POST")
	router.HandleFunc("/cache", s.handleClearCache).Methods("DELETE")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return s.logRequests(router)
}

// Run starts the initial fetch, consumes core events and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8089"
	}
	go s.watchEvents(ctx)
	if _, err := s.Core.BeginFetch(s.Identity); err != nil {
		s.logf("initial fetch: %v", err)
	}

	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		s.logf("listening on %s for %s", addr, s.Identity)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		s.logf("shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logf("shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

// watchEvents is the presentation side when running headless: it logs results.
func (s *Server) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.Core.Events():
			switch ev.Kind {
			case core.EventCatalogReady:
				s.logf("catalog ready: %d channels (%s, job %s)", ev.Catalog.Len(), ev.Source, ev.JobID)
			case core.EventError:
				s.logf("fetch failed (job %s): %v", ev.JobID, ev.Err)
			}
		}
	}
}

type channelJSON struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	URL   string `json:"url"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	cat := s.Core.Catalog(s.Identity)
	if cat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	out := make([]channelJSON, 0, cat.Len())
	for i, ch := range cat.Channels {
		out = append(out, channelJSON{Index: i, Name: ch.DisplayName, URL: ch.AbsoluteStreamURL})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created_at": cat.CreatedAt.Format(time.RFC3339),
		"channels":   out,
	})
}

// handlePlaylist lists every channel with a /play URL so any player can tune it.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	cat := s.Core.Catalog(s.Identity)
	if cat == nil {
		http.Error(w, "catalog not loaded", http.StatusServiceUnavailable)
		return
	}
	base := s.BaseURL
	if base == "" {
		base = "http://localhost" + s.Addr
	}
	base = strings.TrimSuffix(base, "/")
	w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for i, ch := range cat.Channels {
		name := strings.ReplaceAll(ch.DisplayName, ",", " ")
		b.WriteString("#EXTINF:-1 tvg-name=\"" + escapeM3UAttr(name) + "\"," + name + "\n")
		b.WriteString(base + "/play/" + strconv.Itoa(i) + "\n")
	}
	_, _ = w.Write([]byte(b.String()))
}

func escapeM3UAttr(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", " ")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	job, err := s.Core.Refresh(s.Identity)
	if errors.Is(err, core.ErrFetchInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": job})
}

// handlePlay resolves the channel and redirects. ?fallback=1 accepts the catalog
// URL when resolution fails; the response then carries X-Stream-Degraded: 1.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	cat := s.Core.Catalog(s.Identity)
	if cat == nil {
		http.Error(w, "catalog not loaded", http.StatusServiceUnavailable)
		return
	}
	idx, _ := strconv.Atoi(mux.Vars(r)["index"])
	ch, ok := cat.Channel(idx)
	if !ok {
		http.NotFound(w, r)
		return
	}
	timeout := s.ResolveTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	fallback := r.URL.Query().Get("fallback")
	h, err := s.Core.ResolveAndGetURL(ctx, s.Identity, ch, core.ResolveOptions{AllowFallback: fallback == "1" || fallback == "true"})
	if err != nil {
		s.logf("play %d (%s): %v", idx, ch.DisplayName, err)
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("X-Handoff-Id", h.ID)
	if h.Degraded {
		w.Header().Set("X-Stream-Degraded", "1")
	}
	http.Redirect(w, r, h.URL, http.StatusFound)
}

func (s *Server) handleEnded(w http.ResponseWriter, r *http.Request) {
	if !s.Core.PlaybackEnded(mux.Vars(r)["id"]) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.Core.ClearPersistentCache(s.Identity); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Core.Status(s.Identity))
}

// handleHealth returns 200 once a catalog is loaded, 503 {"status":"loading"} before.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cat := s.Core.Catalog(s.Identity)
	if cat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"channels":     cat.Len(),
		"last_refresh": cat.CreatedAt.Format(time.RFC3339),
	})
}

// statusFor maps an error kind to the HTTP status reported to local clients.
func statusFor(err error) int {
	switch portalerr.KindOf(err) {
	case portalerr.ChannelGone:
		return http.StatusNotFound
	case portalerr.SubscriptionInvalid:
		return http.StatusForbidden
	case portalerr.ServerOverload:
		return http.StatusServiceUnavailable
	case portalerr.TransientNetworkFailure, portalerr.Cancelled:
		return http.StatusGatewayTimeout
	case portalerr.KindUnknown:
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.logf("http: %s %s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}

// Package metrics exposes portal client counters for /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/snapetech/stbportal/internal/portalerr"
	"github.com/snapetech/stbportal/internal/retry"
)

// Transitions counts retry state machine transitions per operation and target state.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_portal_retry_transitions_total",
	Help: "Retry state machine transitions",
}, []string{"op", "to"})

// Failures counts terminal failures per operation and error kind.
var Failures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_portal_failures_total",
	Help: "Terminal failures by kind",
}, []string{"op", "kind"})

// Fetches counts completed catalog fetches by source (network or cache).
var Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_portal_catalog_fetches_total",
	Help: "Completed catalog fetches",
}, []string{"source"})

// CatalogChannels is the size of the current catalog.
var CatalogChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stb_portal_catalog_channels",
	Help: "Channels in the current catalog",
})

// Resolves counts stream resolutions by outcome (resolved, cached, fallback, failed).
var Resolves = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_portal_resolves_total",
	Help: "Stream resolutions by outcome",
}, []string{"outcome"})

// SessionRefreshes counts session refreshes triggered by unauthorized link calls.
var SessionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_portal_session_refreshes_total",
	Help: "Session refreshes by result",
}, []string{"result"})

// ActivePlayback is the number of hand-offs not yet reported as ended.
var ActivePlayback = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stb_portal_active_playback",
	Help: "Stream hand-offs awaiting an ended notification",
})

// ObserveTransition is a retry.Orchestrator OnTransition hook.
func ObserveTransition(tr retry.Transition) {
	Transitions.WithLabelValues(tr.Op, tr.To.String()).Inc()
	if tr.To == retry.Terminal && tr.Err != nil {
		Failures.WithLabelValues(tr.Op, portalerr.KindOf(tr.Err).String()).Inc()
	}
}

// ObserveRefresh is a resolver OnRefresh hook.
func ObserveRefresh(err error) {
	if err != nil {
		SessionRefreshes.WithLabelValues("failed").Inc()
		return
	}
	SessionRefreshes.WithLabelValues("ok").Inc()
}

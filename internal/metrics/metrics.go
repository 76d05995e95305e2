// Package metrics exposes the server's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeStopped   = "stopped"
	OutcomeExhausted = "exhausted"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clichat",
		Name:      "turns_total",
		Help:      "Chat turns by outcome.",
	}, []string{"outcome"})
	activeTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clichat",
		Name:      "turns_active",
		Help:      "Agent processes currently running a chat turn.",
	})
	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clichat",
		Name:      "model_fallbacks_total",
		Help:      "Model switches after capacity errors.",
	}, []string{"from", "to"})
	truncationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clichat",
		Name:      "tool_output_truncations_total",
		Help:      "Tool results truncated and saved to disk.",
	})
	listRefreshTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clichat",
		Name:      "session_list_refreshes_total",
		Help:      "Times the agent CLI session list was fetched.",
	})
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clichat",
		Name:      "uploads_total",
		Help:      "Uploaded files by conversion result.",
	}, []string{"result"})
)

// TurnStarted marks a turn as running; call the returned func with the
// outcome when it ends.
func TurnStarted() func(outcome string) {
	activeTurns.Inc()
	return func(outcome string) {
		activeTurns.Dec()
		turnsTotal.WithLabelValues(outcome).Inc()
	}
}

func Fallback(from, to string) { fallbacksTotal.WithLabelValues(from, to).Inc() }

func Truncation() { truncationsTotal.Inc() }

func ListRefresh() { listRefreshTotal.Inc() }

func Upload(result string) { uploadsTotal.WithLabelValues(result).Inc() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

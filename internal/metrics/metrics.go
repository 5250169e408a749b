// Package metrics owns the Prometheus registry shared by the reconciliation
// components. All recording methods are safe on a nil *Registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry           *prometheus.Registry
	intentsTotal       *prometheus.CounterVec
	scanTicksTotal     *prometheus.CounterVec
	transferEvents     *prometheus.CounterVec
	expiredTotal       prometheus.Counter
	settlementFailures *prometheus.CounterVec
	schedulerSkips     *prometheus.CounterVec
	deadLetterDepth    prometheus.Gauge
	cursorLag          prometheus.Gauge
}

func New() *Registry {
	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundrails_funding_intents_total",
		Help: "Funding intent creation attempts by result",
	}, []string{"status"})

	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundrails_scan_ticks_total",
		Help: "Chain scan ticks by result",
	}, []string{"result"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundrails_transfer_events_total",
		Help: "Observed transfer events by matching outcome",
	}, []string{"outcome"})

	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fundrails_expired_intents_total",
		Help: "Funding intents transitioned to expired",
	})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundrails_settlement_failures_total",
		Help: "Settlement failures by kind",
	}, []string{"kind"})

	skips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fundrails_scheduler_skips_total",
		Help: "Task runs skipped because a previous run was still in flight",
	}, []string{"task"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fundrails_dead_letter_depth",
		Help: "Number of records in the settlement dead-letter log",
	})

	lag := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fundrails_scan_cursor_lag_seconds",
		Help: "Seconds between the chain head and the scan cursor after the last tick",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(intents, ticks, events, expired, failures, skips, depth, lag)

	return &Registry{
		registry:           r,
		intentsTotal:       intents,
		scanTicksTotal:     ticks,
		transferEvents:     events,
		expiredTotal:       expired,
		settlementFailures: failures,
		schedulerSkips:     skips,
		deadLetterDepth:    depth,
		cursorLag:          lag,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncIntent(status string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncScanTick(result string) {
	if m == nil {
		return
	}
	m.scanTicksTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncTransferEvent(outcome string) {
	if m == nil {
		return
	}
	m.transferEvents.WithLabelValues(outcome).Inc()
}

func (m *Registry) AddExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredTotal.Add(float64(n))
}

func (m *Registry) IncSettlementFailure(kind string) {
	if m == nil {
		return
	}
	m.settlementFailures.WithLabelValues(kind).Inc()
}

func (m *Registry) IncSchedulerSkip(task string) {
	if m == nil {
		return
	}
	m.schedulerSkips.WithLabelValues(task).Inc()
}

func (m *Registry) SetDeadLetterDepth(depth int) {
	if m == nil {
		return
	}
	m.deadLetterDepth.Set(float64(depth))
}

func (m *Registry) SetCursorLag(lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.cursorLag.Set(lag.Seconds())
}

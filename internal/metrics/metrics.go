// Package metrics provides Prometheus metrics for the report agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	ReportAttempts *prometheus.CounterVec
	RequestRetries prometheus.Counter
	KeyRefreshes   *prometheus.CounterVec
	PollCycles     prometheus.Counter
	RepliesSent    *prometheus.CounterVec
	ActiveAccounts prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ReportAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_report_attempts_total",
				Help: "Report attempts by target type and outcome class.",
			},
			[]string{"type", "outcome"},
		),
		RequestRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_request_retries_total",
				Help: "Platform calls that entered the retry loop.",
			},
		),
		KeyRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_key_refreshes_total",
				Help: "Signing key refreshes by result.",
			},
			[]string{"result"},
		),
		PollCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_poll_cycles_total",
				Help: "Completed reply-poller cycles.",
			},
		),
		RepliesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_replies_sent_total",
				Help: "Keyword replies by result.",
			},
			[]string{"result"},
		),
		ActiveAccounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_accounts_active",
				Help: "Accounts currently in valid status.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.ReportAttempts)
	reg.MustRegister(m.RequestRetries)
	reg.MustRegister(m.KeyRefreshes)
	reg.MustRegister(m.PollCycles)
	reg.MustRegister(m.RepliesSent)
	reg.MustRegister(m.ActiveAccounts)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAttempt increments the report-attempt counter.
func (m *Metrics) RecordAttempt(targetType, outcome string) {
	m.ReportAttempts.WithLabelValues(targetType, outcome).Inc()
}

// RecordReply increments the reply counter.
func (m *Metrics) RecordReply(result string) {
	m.RepliesSent.WithLabelValues(result).Inc()
}

// RecordKeyRefresh increments the signing-key refresh counter.
func (m *Metrics) RecordKeyRefresh(result string) {
	m.KeyRefreshes.WithLabelValues(result).Inc()
}

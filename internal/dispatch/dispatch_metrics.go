package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for notification and action dispatch.
type Metrics struct {
	AlertsIngested     *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	ActionsTotal       *prometheus.CounterVec
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jinkies_alerts_ingested_total",
			Help: "Total alerts accepted by the ingestion gateway, by severity.",
		}, []string{"severity"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jinkies_notifications_total",
			Help: "Total alert notifications by outcome.",
		}, []string{"outcome"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jinkies_actions_total",
			Help: "Total operator actions by action and outcome.",
		}, []string{"action", "outcome"}),
	}
	reg.MustRegister(m.AlertsIngested, m.NotificationsTotal, m.ActionsTotal)
	return m
}

// Ingested counts one accepted alert.
func (m *Metrics) Ingested(severity string) {
	if m == nil {
		return
	}
	m.AlertsIngested.WithLabelValues(severity).Inc()
}

// NotifyOutcome counts one notification attempt.
func (m *Metrics) NotifyOutcome(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

// ActionOutcome counts one action execution.
func (m *Metrics) ActionOutcome(act Action, outcome string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(string(act), outcome).Inc()
}

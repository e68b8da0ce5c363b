package deploy

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the deployment subsystem.
type Metrics struct {
	DeploymentsTotal *prometheus.CounterVec
	DeployDuration   *prometheus.HistogramVec
}

// NewMetrics registers and returns deployment metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jinkies_deployments_total",
			Help: "Total deployments by method and final status.",
		}, []string{"method", "status"}),
		DeployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jinkies_deployment_duration_seconds",
			Help:    "Duration of deployment runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1s .. ~17min
		}, []string{"method", "status"}),
	}
	reg.MustRegister(m.DeploymentsTotal, m.DeployDuration)
	return m
}

// Observe records one completed deployment.
func (m *Metrics) Observe(d *Deployment) {
	method, status := string(d.Method), string(d.Status)
	m.DeploymentsTotal.WithLabelValues(method, status).Inc()
	m.DeployDuration.WithLabelValues(method, status).Observe(d.DurationSeconds())
}

// Package metrics exposes the controller's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconcileTotal counts finished reconcile passes per group, labeled
	// by result (success or failure).
	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convergd_reconcile_total",
		Help: "Total number of reconcile passes per group",
	}, []string{"group", "result"})

	// ReconcileDuration tracks how long reconcile passes take.
	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "convergd_reconcile_duration_seconds",
		Help:    "Duration of reconcile passes per group",
		Buckets: prometheus.DefBuckets,
	}, []string{"group"})

	// GroupHealth carries one series per group and health status; the
	// current status holds 1, all others 0.
	GroupHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "convergd_group_health",
		Help: "Current health status per group (1 for the active status)",
	}, []string{"group", "status"})

	// DriftTotal counts corrected drift episodes per group.
	DriftTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convergd_drift_corrected_total",
		Help: "Total number of corrected drift episodes per group",
	}, []string{"group"})

	// ActiveWorkers holds the number of group applies currently running.
	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convergd_active_workers",
		Help: "Number of reconcile workers currently running",
	})
)

func init() {
	prometheus.MustRegister(
		ReconcileTotal,
		ReconcileDuration,
		GroupHealth,
		DriftTotal,
		ActiveWorkers,
	)
}

var healthStatuses = []string{"Unknown", "Progressing", "Ready", "Failed"}

// SetGroupHealth marks one status series active for the group and
// clears the rest, so sum(convergd_group_health) per group stays 1.
func SetGroupHealth(group, status string) {
	for _, s := range healthStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		GroupHealth.WithLabelValues(group, s).Set(v)
	}
}

// ForgetGroup drops all series for a group that left the desired state.
func ForgetGroup(group string) {
	ReconcileTotal.DeletePartialMatch(prometheus.Labels{"group": group})
	ReconcileDuration.DeleteLabelValues(group)
	GroupHealth.DeletePartialMatch(prometheus.Labels{"group": group})
	DriftTotal.DeleteLabelValues(group)
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus instrumentation for the
// reservation and provisioning workflows.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the smelter collectors. A nil *Metrics is a valid
// no-op receiver so instrumentation can be optional.
type Metrics struct {
	ReservationAttempts *prometheus.CounterVec
	Provisions          *prometheus.CounterVec
	Rollbacks           prometheus.Counter
	ProvisionDuration   prometheus.Histogram
}

// New builds the collectors and registers them with the given
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReservationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smelter",
			Name:      "reservation_attempts_total",
			Help:      "Reservation attempts by result.",
		}, []string{"result"}),
		Provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smelter",
			Name:      "provisions_total",
			Help:      "Provision operations by result.",
		}, []string{"result"}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smelter",
			Name:      "rollbacks_total",
			Help:      "Rollbacks performed after a failed provision.",
		}),
		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smelter",
			Name:      "provision_duration_seconds",
			Help:      "Wall time of provision operations.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.ReservationAttempts, m.Provisions, m.Rollbacks, m.ProvisionDuration)
	return m
}

// ObserveReservation records a reservation attempt outcome.
func (m *Metrics) ObserveReservation(result string) {
	if m == nil {
		return
	}
	m.ReservationAttempts.WithLabelValues(result).Inc()
}

// ObserveProvision records a provision outcome and its duration.
func (m *Metrics) ObserveProvision(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Provisions.WithLabelValues(result).Inc()
	m.ProvisionDuration.Observe(seconds)
}

// ObserveRollback records a rollback.
func (m *Metrics) ObserveRollback() {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
}

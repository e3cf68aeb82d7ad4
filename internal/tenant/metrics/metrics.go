package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the tenant module.
type Metrics struct {
	TenantCreated          prometheus.Counter
	TenantStatusChanged    *prometheus.CounterVec
	ResolveTenantDuration  prometheus.Histogram
	ResolveTenantRejected  *prometheus.CounterVec
	CodeCollisionsResolved prometheus.Counter
}

// New registers the tenant metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TenantCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "unigate_tenants_created_total",
			Help: "Total number of tenants created",
		}),
		TenantStatusChanged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_tenant_status_changes_total",
			Help: "Tenant activations and deactivations by target status",
		}, []string{"status"}),
		ResolveTenantDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "unigate_resolve_tenant_duration_seconds",
			Help:    "Duration of ResolveTenant lookups (every faculty and student request)",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		ResolveTenantRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_resolve_tenant_rejected_total",
			Help: "ResolveTenant failures by reason",
		}, []string{"reason"}),
		CodeCollisionsResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "unigate_tenant_code_collisions_total",
			Help: "Generated university codes that collided and were regenerated",
		}),
	}
}

// ObserveResolveTenant records the duration of a ResolveTenant call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveResolveTenant(start time.Time) {
	m.ResolveTenantDuration.Observe(time.Since(start).Seconds())
}

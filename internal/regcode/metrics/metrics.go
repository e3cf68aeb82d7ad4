package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Generated *prometheus.CounterVec
	Consumed  *prometheus.CounterVec
	// ConsumeConflicts counts consumers that lost the race for a code.
	ConsumeConflicts prometheus.Counter
	Deleted          prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Generated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_registration_codes_generated_total",
			Help: "Registration codes generated, by type",
		}, []string{"type"}),
		Consumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_registration_codes_consumed_total",
			Help: "Registration codes consumed, by type",
		}, []string{"type"}),
		ConsumeConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "unigate_registration_code_consume_conflicts_total",
			Help: "Consume attempts rejected because the code was already used",
		}),
		Deleted: f.NewCounter(prometheus.CounterOpts{
			Name: "unigate_registration_codes_deleted_total",
			Help: "Registration codes deleted by admins",
		}),
	}
}

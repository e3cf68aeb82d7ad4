package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts challenge issuance and verification outcomes per purpose.
type Metrics struct {
	Issued   *prometheus.CounterVec
	Verified *prometheus.CounterVec
	Rejected *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Issued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_challenges_issued_total",
			Help: "Challenges issued, by purpose",
		}, []string{"purpose"}),
		Verified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_challenges_verified_total",
			Help: "Successful challenge verifications, by purpose",
		}, []string{"purpose"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_challenges_rejected_total",
			Help: "Failed challenge verifications, by purpose and outcome (not_found, expired, mismatch)",
		}, []string{"purpose", "outcome"}),
	}
}

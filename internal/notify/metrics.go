package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Sent     *prometheus.CounterVec
	Failed   *prometheus.CounterVec
	Duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_mail_sent_total",
			Help: "Mail messages handed to the transport, by kind",
		}, []string{"kind"}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_mail_failed_total",
			Help: "Mail messages the transport rejected or timed out, by kind",
		}, []string{"kind"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "unigate_mail_send_duration_seconds",
			Help:    "Time spent handing a message to the transport",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

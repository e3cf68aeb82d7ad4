package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Registrations counts onboarding steps by role, step and outcome.
	Registrations *prometheus.CounterVec
	Logins        *prometheus.CounterVec
	Activations   *prometheus.CounterVec
	Resumes       prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_registration_steps_total",
			Help: "Registration steps by role, step and outcome",
		}, []string{"role", "step", "outcome"}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_logins_total",
			Help: "Login attempts by role, login path and outcome",
		}, []string{"role", "path", "outcome"}),
		Activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_principals_activated_total",
			Help: "Principals that reached the active state, by role",
		}, []string{"role"}),
		Resumes: f.NewCounter(prometheus.CounterOpts{
			Name: "unigate_student_registrations_resumed_total",
			Help: "Student registrations that reused a pending record",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) ObserveStep(role, step string, err error) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(role, step, outcome(err)).Inc()
}

func (m *Metrics) ObserveLogin(role, path string, err error) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(role, path, outcome(err)).Inc()
}

func (m *Metrics) ObserveActivation(role string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(role).Inc()
}

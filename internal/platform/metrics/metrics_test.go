package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest("POST", "/student/login", 200, 12*time.Millisecond)
	m.ObserveRequest("POST", "/student/login", 401, 3*time.Millisecond)
	m.ObserveRequest("POST", "/student/login", 200, 8*time.Millisecond)

	assert.Equal(t, 2.0, promtest.ToFloat64(m.Requests.WithLabelValues("POST", "/student/login", "200")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Requests.WithLabelValues("POST", "/student/login", "401")))
	assert.Equal(t, 1, promtest.CollectAndCount(m.RequestDuration))
}

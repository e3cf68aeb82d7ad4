package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"unigate/internal/ratelimit/metrics"
	"unigate/internal/ratelimit/models"
	"unigate/internal/ratelimit/service"
	"unigate/internal/ratelimit/service/mocks"
	"unigate/internal/ratelimit/store"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/platform/circuit"
	"unigate/pkg/requestcontext"
)

type LimiterSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	primary *mocks.MockStore
	metrics *metrics.Metrics
	ctx     context.Context
	now     time.Time
}

func TestLimiterSuite(t *testing.T) {
	suite.Run(t, new(LimiterSuite))
}

func (s *LimiterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.primary = mocks.NewMockStore(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *LimiterSuite) TearDownTest() {
	s.ctrl.Finish()
}

var errStoreDown = errors.New("connection refused")

func (s *LimiterSuite) TestNewRequiresStore() {
	_, err := service.New(nil)
	s.Error(err)
}

func (s *LimiterSuite) TestUnknownClass() {
	l, err := service.New(s.primary)
	s.Require().NoError(err)

	_, err = l.CheckIP(s.ctx, "10.0.0.1", models.EndpointClass("bulk"))
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *LimiterSuite) TestKeysByClassAndSanitizedIP() {
	limit := models.Limit{RequestsPerWindow: 3, Window: 30 * time.Second}
	l, err := service.New(s.primary, service.WithLimit(models.ClassAttempt, limit))
	s.Require().NoError(err)

	s.primary.EXPECT().
		Allow(gomock.Any(), "rl:ip:attempt:2001_db8__1", limit, s.now).
		Return(&models.Result{Allowed: true, Limit: 3, Remaining: 2}, nil)

	res, err := l.CheckIP(s.ctx, "2001:db8::1", models.ClassAttempt)
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.False(res.Degraded)
}

func (s *LimiterSuite) TestIgnoresInvalidOverride() {
	l, err := service.New(s.primary, service.WithLimit(models.ClassChallenge, models.Limit{}))
	s.Require().NoError(err)

	s.primary.EXPECT().
		Allow(gomock.Any(), gomock.Any(), service.DefaultLimits()[models.ClassChallenge], s.now).
		Return(&models.Result{Allowed: true}, nil)

	_, err = l.CheckIP(s.ctx, "10.0.0.1", models.ClassChallenge)
	s.NoError(err)
}

func (s *LimiterSuite) TestCountsRejections() {
	l, err := service.New(s.primary, service.WithMetrics(s.metrics))
	s.Require().NoError(err)

	s.primary.EXPECT().Allow(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&models.Result{Allowed: false, RetryAfter: 12}, nil)

	res, err := l.CheckIP(s.ctx, "10.0.0.1", models.ClassChallenge)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.Rejections.WithLabelValues("challenge")))
}

func (s *LimiterSuite) TestStoreErrorWithoutFallback() {
	l, err := service.New(s.primary, service.WithMetrics(s.metrics))
	s.Require().NoError(err)

	s.primary.EXPECT().Allow(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errStoreDown)

	_, err = l.CheckIP(s.ctx, "10.0.0.1", models.ClassAttempt)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.StoreErrors))
}

func (s *LimiterSuite) TestFallbackWhileCircuitOpen() {
	breaker := circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(1))
	limit := models.Limit{RequestsPerWindow: 1, Window: time.Minute}
	l, err := service.New(s.primary,
		service.WithFallback(store.NewInMemory(), breaker),
		service.WithLimit(models.ClassAttempt, limit),
		service.WithMetrics(s.metrics),
	)
	s.Require().NoError(err)

	s.primary.EXPECT().Allow(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errStoreDown).Times(3)

	// below the threshold the error surfaces
	_, err = l.CheckIP(s.ctx, "10.0.0.1", models.ClassAttempt)
	s.Error(err)

	res, err := l.CheckIP(s.ctx, "10.0.0.1", models.ClassAttempt)
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.True(res.Degraded)
	s.True(breaker.IsOpen())
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.Degraded))

	// the fallback enforces the same budget
	res, err = l.CheckIP(s.ctx, "10.0.0.1", models.ClassAttempt)
	s.Require().NoError(err)
	s.False(res.Allowed)

	s.primary.EXPECT().Allow(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&models.Result{Allowed: true, Limit: 1}, nil)

	res, err = l.CheckIP(s.ctx, "10.0.0.2", models.ClassAttempt)
	s.Require().NoError(err)
	s.False(res.Degraded)
	s.False(breaker.IsOpen())
	s.Equal(float64(0), promtest.ToFloat64(s.metrics.Degraded))
}

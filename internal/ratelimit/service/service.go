//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"unigate/internal/ratelimit/metrics"
	"unigate/internal/ratelimit/models"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/platform/circuit"
	"unigate/pkg/requestcontext"
)

// Store is a sliding window bucket backend.
type Store interface {
	Allow(ctx context.Context, key string, limit models.Limit, now time.Time) (*models.Result, error)
}

// DefaultLimits are the per-IP budgets for each endpoint class.
func DefaultLimits() map[models.EndpointClass]models.Limit {
	return map[models.EndpointClass]models.Limit{
		models.ClassChallenge: {RequestsPerWindow: 5, Window: time.Minute},
		models.ClassAttempt:   {RequestsPerWindow: 10, Window: time.Minute},
	}
}

// Limiter checks per-client-IP budgets. With a fallback store configured,
// repeated primary failures open a circuit and checks run on the fallback
// until the primary recovers.
type Limiter struct {
	primary  Store
	fallback Store
	breaker  *circuit.Breaker
	limits   map[models.EndpointClass]models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Limiter)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithLimit overrides the budget for one class. Non-positive values keep the default.
func WithLimit(class models.EndpointClass, limit models.Limit) Option {
	return func(l *Limiter) {
		if limit.RequestsPerWindow > 0 && limit.Window > 0 {
			l.limits[class] = limit
		}
	}
}

func WithFallback(store Store, breaker *circuit.Breaker) Option {
	return func(l *Limiter) {
		l.fallback = store
		l.breaker = breaker
	}
}

func New(primary Store, opts ...Option) (*Limiter, error) {
	if primary == nil {
		return nil, errors.New("rate limit store is required")
	}
	l := &Limiter{
		primary: primary,
		limits:  DefaultLimits(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fallback != nil && l.breaker == nil {
		l.breaker = circuit.New("ratelimit")
	}
	return l, nil
}

// CheckIP records one request from ip against the class budget.
func (l *Limiter) CheckIP(ctx context.Context, ip string, class models.EndpointClass) (*models.Result, error) {
	limit, ok := l.limits[class]
	if !ok {
		return nil, dErrors.New(dErrors.CodeInternal, "unknown endpoint class "+string(class))
	}
	key := models.NewIPKey(class, ip)
	now := requestcontext.Now(ctx)

	result, err := l.primary.Allow(ctx, key, limit, now)
	if err != nil {
		if l.metrics != nil {
			l.metrics.IncrementStoreErrors()
		}
		if l.fallback == nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "rate limit check failed")
		}
		useFallback, change := l.breaker.RecordFailure()
		if change.Opened {
			l.logger.WarnContext(ctx, "rate limit store unavailable, using in-process fallback", "error", err)
			l.setDegraded(true)
		}
		if !useFallback {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "rate limit check failed")
		}
		return l.checkFallback(ctx, key, class, limit, now)
	}

	if l.fallback != nil {
		usePrimary, change := l.breaker.RecordSuccess()
		if change.Closed {
			l.logger.InfoContext(ctx, "rate limit store recovered")
			l.setDegraded(false)
		}
		if !usePrimary {
			return l.checkFallback(ctx, key, class, limit, now)
		}
	}
	l.recordOutcome(class, result)
	return result, nil
}

func (l *Limiter) checkFallback(ctx context.Context, key string, class models.EndpointClass, limit models.Limit, now time.Time) (*models.Result, error) {
	result, err := l.fallback.Allow(ctx, key, limit, now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "fallback rate limit check failed")
	}
	result.Degraded = true
	l.recordOutcome(class, result)
	return result, nil
}

func (l *Limiter) recordOutcome(class models.EndpointClass, result *models.Result) {
	if l.metrics != nil && !result.Allowed {
		l.metrics.IncrementRejections(string(class))
	}
}

func (l *Limiter) setDegraded(degraded bool) {
	if l.metrics != nil {
		l.metrics.SetDegraded(degraded)
	}
}

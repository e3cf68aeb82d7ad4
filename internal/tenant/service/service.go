package service

import (
	"context"
	"log/slog"

	tenantmetrics "unigate/internal/tenant/metrics"
	"unigate/internal/tenant/models"
	id "unigate/pkg/domain"
	audit "unigate/pkg/platform/audit"
	txcontext "unigate/pkg/platform/tx"
)

// TenantStore persists tenants. Implementations return sentinel errors.
type TenantStore interface {
	CreateIfCodeAvailable(ctx context.Context, tenant *models.Tenant) error
	FindByID(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	FindByCode(ctx context.Context, code string) (*models.Tenant, error)
	Execute(ctx context.Context, tenantID id.TenantID, validate func(*models.Tenant) error, mutate func(*models.Tenant)) (*models.Tenant, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type serviceConfig struct {
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *tenantmetrics.Metrics
	tx             txcontext.Runner
	codeDigits     func() (string, error)
}

type Option func(*serviceConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(c *serviceConfig) {
		c.auditPublisher = publisher
	}
}

func WithMetrics(m *tenantmetrics.Metrics) Option {
	return func(c *serviceConfig) {
		c.metrics = m
	}
}

// WithTx sets the transaction runner. Defaults to a memory runner with no
// registered stores.
func WithTx(runner txcontext.Runner) Option {
	return func(c *serviceConfig) {
		c.tx = runner
	}
}

// WithCodeDigits replaces the random suffix source for university codes.
func WithCodeDigits(fn func() (string, error)) Option {
	return func(c *serviceConfig) {
		c.codeDigits = fn
	}
}

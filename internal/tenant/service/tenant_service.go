package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	tenantmetrics "unigate/internal/tenant/metrics"
	"unigate/internal/tenant/models"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
	"unigate/pkg/requestcontext"
)

// maxCodeAttempts bounds university code regeneration on collision.
const maxCodeAttempts = 5

// TenantService owns the tenant directory: creation, resolution and
// activation status.
type TenantService struct {
	tenants      TenantStore
	auditEmitter *auditEmitter
	metrics      *tenantmetrics.Metrics
	tx           txcontext.Runner
	codeDigits   func() (string, error)
}

func NewTenantService(tenants TenantStore, opts ...Option) *TenantService {
	cfg := &serviceConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	tx := cfg.tx
	if tx == nil {
		tx = txcontext.NewInMemory()
	}
	digits := cfg.codeDigits
	if digits == nil {
		digits = randomDigits
	}
	return &TenantService{
		tenants:      tenants,
		auditEmitter: newAuditEmitter(cfg.logger, cfg.auditPublisher),
		metrics:      cfg.metrics,
		tx:           tx,
		codeDigits:   digits,
	}
}

// ResolveTenant maps a university code to its tenant. Lookup is
// case-insensitive; inactive tenants are rejected.
func (s *TenantService) ResolveTenant(ctx context.Context, universityCode string) (*models.Tenant, error) {
	start := time.Now()
	if s.metrics != nil {
		defer s.metrics.ObserveResolveTenant(start)
	}

	code := models.NormalizeCode(universityCode)
	if code == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "university code is required")
	}
	tenant, err := s.tenants.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.countRejected("not_found")
			return nil, dErrors.New(dErrors.CodeNotFound, "university not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve university")
	}
	if !tenant.IsActive() {
		s.countRejected("inactive")
		return nil, dErrors.New(dErrors.CodeForbidden, "university is inactive")
	}
	return tenant, nil
}

// CreateTenant registers a university under a generated code. It joins the
// caller's transaction when one is open, so admin signup can create the
// tenant and its admin atomically.
func (s *TenantService) CreateTenant(ctx context.Context, name string) (*models.Tenant, error) {
	name = strings.TrimSpace(name)
	prefix := models.CodePrefix(name)

	var tenant *models.Tenant
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
			digits, err := s.codeDigits()
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate university code")
			}
			t, err := models.NewTenant(id.NewTenantID(), prefix+"-"+digits, name, requestcontext.Now(txCtx))
			if err != nil {
				if de, ok := dErrors.As(err); ok && de.Code == dErrors.CodeInvariantViolation {
					return dErrors.New(dErrors.CodeValidation, de.Message)
				}
				return err
			}

			err = s.tenants.CreateIfCodeAvailable(txCtx, t)
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				if s.metrics != nil {
					s.metrics.CodeCollisionsResolved.Inc()
				}
				continue
			}
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create tenant")
			}
			if err := s.auditEmitter.emit(txCtx, audit.EventTenantCreated, t.ID, "university_code", t.UniversityCode); err != nil {
				return err
			}
			tenant = t
			return nil
		}
		return dErrors.New(dErrors.CodeConflict, "could not allocate a unique university code")
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TenantCreated.Inc()
	}
	return tenant, nil
}

func (s *TenantService) GetTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant ID required")
	}
	tenant, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	return tenant, nil
}

// DeactivateTenant flips a tenant to inactive. Its principals can no longer
// register or log in; issued sessions remain valid until expiry.
func (s *TenantService) DeactivateTenant(ctx context.Context, universityCode string) (*models.Tenant, error) {
	return s.transition(ctx, universityCode, audit.EventTenantDeactivated,
		func(t *models.Tenant) error {
			if err := t.CanDeactivate(); err != nil {
				return dErrors.New(dErrors.CodeConflict, "tenant is already inactive")
			}
			return nil
		},
		func(t *models.Tenant, now time.Time) { t.ApplyDeactivation(now) },
	)
}

func (s *TenantService) ReactivateTenant(ctx context.Context, universityCode string) (*models.Tenant, error) {
	return s.transition(ctx, universityCode, audit.EventTenantReactivated,
		func(t *models.Tenant) error {
			if err := t.CanReactivate(); err != nil {
				return dErrors.New(dErrors.CodeConflict, "tenant is already active")
			}
			return nil
		},
		func(t *models.Tenant, now time.Time) { t.ApplyReactivation(now) },
	)
}

func (s *TenantService) transition(
	ctx context.Context,
	universityCode string,
	event audit.AuditEvent,
	validate func(*models.Tenant) error,
	apply func(*models.Tenant, time.Time),
) (*models.Tenant, error) {
	code := models.NormalizeCode(universityCode)
	if code == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "university code is required")
	}

	var tenant *models.Tenant
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.tenants.FindByCode(txCtx, code)
		if err != nil {
			return wrapTenantErr(err)
		}
		now := requestcontext.Now(txCtx)
		updated, err := s.tenants.Execute(txCtx, current.ID, validate, func(t *models.Tenant) { apply(t, now) })
		if err != nil {
			return wrapTenantErr(err)
		}
		if err := s.auditEmitter.emit(txCtx, event, updated.ID, "university_code", updated.UniversityCode); err != nil {
			return err
		}
		tenant = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TenantStatusChanged.WithLabelValues(string(tenant.Status)).Inc()
	}
	return tenant, nil
}

func (s *TenantService) countRejected(reason string) {
	if s.metrics != nil {
		s.metrics.ResolveTenantRejected.WithLabelValues(reason).Inc()
	}
}

func wrapTenantErr(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "university not found")
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update tenant")
}

var fourDigits = big.NewInt(10000)

func randomDigits() (string, error) {
	n, err := rand.Int(rand.Reader, fourDigits)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

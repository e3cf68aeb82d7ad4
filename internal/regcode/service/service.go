package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	regcodemetrics "unigate/internal/regcode/metrics"
	"unigate/internal/regcode/models"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
	"unigate/pkg/requestcontext"
)

// Store persists registration codes. MarkUsed must be a conditional write.
type Store interface {
	CreateBatch(ctx context.Context, codes []*models.RegistrationCode) error
	FindByCode(ctx context.Context, code string) (*models.RegistrationCode, error)
	ListByTenant(ctx context.Context, tenantID id.TenantID, filter models.Filter) ([]*models.RegistrationCode, error)
	MarkUsed(ctx context.Context, code string, principalID id.PrincipalID, now time.Time) error
	Deactivate(ctx context.Context, code string) error
	DeleteCodes(ctx context.Context, codes []string) (int, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const (
	MaxBatch        = 100
	DefaultValidFor = 30 * 24 * time.Hour
	MaxValidFor     = 365 * 24 * time.Hour

	suffixLength = 8
	// alphabet omits 0/O and 1/I/L, which are easy to misread on paper.
	alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	maxGenerateAttempts = 3
)

// Service is the registration code ledger.
type Service struct {
	store     Store
	tx        txcontext.Runner
	logger    *slog.Logger
	publisher AuditPublisher
	metrics   *regcodemetrics.Metrics
	suffix    func() (string, error)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func WithMetrics(m *regcodemetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTx(runner txcontext.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

// WithSuffixGenerator replaces the random code suffix source.
func WithSuffixGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		s.suffix = fn
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, suffix: randomSuffix}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = txcontext.NewInMemory()
	}
	return s
}

// Generate issues count codes of codeType for tenantID. The whole batch is
// inserted atomically; a suffix collision regenerates the batch.
func (s *Service) Generate(ctx context.Context, tenantID id.TenantID, adminID id.PrincipalID, codeType models.CodeType, count int, validFor time.Duration) ([]*models.RegistrationCode, error) {
	if !codeType.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "type must be faculty or student")
	}
	if count < 1 || count > MaxBatch {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("count must be between 1 and %d", MaxBatch))
	}
	if validFor == 0 {
		validFor = DefaultValidFor
	}
	if validFor < 0 || validFor > MaxValidFor {
		return nil, dErrors.New(dErrors.CodeValidation, "validity must be between 1 and 365 days")
	}

	now := requestcontext.Now(ctx)
	var codes []*models.RegistrationCode
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		for range maxGenerateAttempts {
			batch, err := s.newBatch(tenantID, adminID, codeType, count, now, validFor)
			if err != nil {
				return err
			}
			err = s.store.CreateBatch(txCtx, batch)
			if errors.Is(err, sentinel.ErrConflict) {
				continue
			}
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store registration codes")
			}
			codes = batch
			return s.emit(txCtx, audit.Event{
				PrincipalID: adminID,
				TenantID:    tenantID,
				Role:        id.RoleAdmin,
				Action:      string(audit.EventCodesGenerated),
				Reason:      fmt.Sprintf("%d %s", count, codeType),
			})
		}
		return dErrors.New(dErrors.CodeConflict, "could not allocate unique registration codes")
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Generated.WithLabelValues(string(codeType)).Add(float64(len(codes)))
	}
	return codes, nil
}

func (s *Service) newBatch(tenantID id.TenantID, adminID id.PrincipalID, codeType models.CodeType, count int, now time.Time, validFor time.Duration) ([]*models.RegistrationCode, error) {
	batch := make([]*models.RegistrationCode, 0, count)
	for range count {
		suffix, err := s.suffix()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate registration code")
		}
		batch = append(batch, &models.RegistrationCode{
			Code:      codeType.Prefix() + "-" + suffix,
			Type:      codeType,
			TenantID:  tenantID,
			ExpiresAt: now.Add(validFor),
			IsActive:  true,
			CreatedBy: adminID,
			CreatedAt: now,
		})
	}
	return batch, nil
}

// Validate checks that code can be consumed for codeType within tenantID.
// Codes of other tenants are reported as not found.
func (s *Service) Validate(ctx context.Context, code string, codeType models.CodeType, tenantID id.TenantID) (*models.RegistrationCode, error) {
	normalized := models.NormalizeCode(code)
	if normalized == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "registration code is required")
	}
	c, err := s.store.FindByCode(ctx, normalized)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if c.TenantID != tenantID {
		return nil, dErrors.New(dErrors.CodeNotFound, "invalid registration code")
	}
	if c.Used {
		return nil, dErrors.New(dErrors.CodeAlreadyUsed, "registration code has already been used")
	}
	if !c.IsActive {
		return nil, dErrors.New(dErrors.CodeForbidden, "registration code has been deactivated")
	}
	if c.IsExpired(requestcontext.Now(ctx)) {
		return nil, dErrors.New(dErrors.CodeExpired, "registration code has expired")
	}
	if c.Type != codeType {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("registration code is not valid for %s registration", codeType))
	}
	return c, nil
}

// Consume marks code used by principalID. Call it inside the transaction
// that creates or activates the principal.
func (s *Service) Consume(ctx context.Context, code string, principalID id.PrincipalID) error {
	normalized := models.NormalizeCode(code)
	now := requestcontext.Now(ctx)

	return s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		c, err := s.store.FindByCode(txCtx, normalized)
		if err != nil {
			return wrapStoreErr(err)
		}
		if err := s.store.MarkUsed(txCtx, normalized, principalID, now); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return s.consumeRejected(txCtx, normalized, now)
			}
			return wrapStoreErr(err)
		}
		if s.metrics != nil {
			s.metrics.Consumed.WithLabelValues(string(c.Type)).Inc()
		}
		return s.emit(txCtx, audit.Event{
			PrincipalID: principalID,
			TenantID:    c.TenantID,
			Action:      string(audit.EventCodeConsumed),
			Reason:      c.Code,
		})
	})
}

// consumeRejected explains a failed conditional consume from the code's
// current state, which may have changed since it was validated.
func (s *Service) consumeRejected(ctx context.Context, code string, now time.Time) error {
	c, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return wrapStoreErr(err)
	}
	switch {
	case c.Used:
		if s.metrics != nil {
			s.metrics.ConsumeConflicts.Inc()
		}
		return dErrors.New(dErrors.CodeAlreadyUsed, "registration code has already been used")
	case !c.IsActive:
		return dErrors.New(dErrors.CodeForbidden, "registration code has been deactivated")
	case c.IsExpired(now):
		return dErrors.New(dErrors.CodeExpired, "registration code has expired")
	default:
		return dErrors.New(dErrors.CodeAlreadyUsed, "registration code has already been used")
	}
}

func (s *Service) List(ctx context.Context, tenantID id.TenantID, filter models.Filter) ([]*models.RegistrationCode, error) {
	if filter.Type != "" && !filter.Type.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "type must be faculty or student")
	}
	codes, err := s.store.ListByTenant(ctx, tenantID, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list registration codes")
	}
	return codes, nil
}

func (s *Service) Get(ctx context.Context, tenantID id.TenantID, code string) (*models.RegistrationCode, error) {
	c, err := s.store.FindByCode(ctx, models.NormalizeCode(code))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if c.TenantID != tenantID {
		return nil, dErrors.New(dErrors.CodeNotFound, "registration code not found")
	}
	return c, nil
}

// Revoke deactivates an unused code of the tenant.
func (s *Service) Revoke(ctx context.Context, tenantID id.TenantID, code string) (*models.RegistrationCode, error) {
	var revoked *models.RegistrationCode
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		c, err := s.Get(txCtx, tenantID, code)
		if err != nil {
			return err
		}
		if c.Used {
			return dErrors.New(dErrors.CodeConflict, "a used registration code cannot be revoked")
		}
		if err := s.store.Deactivate(txCtx, c.Code); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.New(dErrors.CodeConflict, "a used registration code cannot be revoked")
			}
			return wrapStoreErr(err)
		}
		c.IsActive = false
		revoked = c
		return s.emit(txCtx, audit.Event{
			PrincipalID: requestcontext.Principal(txCtx).ID,
			TenantID:    tenantID,
			Role:        id.RoleAdmin,
			Action:      string(audit.EventCodeRevoked),
			Reason:      c.Code,
		})
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// Delete removes codes of the tenant. The request is all-or-nothing: any
// unknown code or any used code still inside its retention window rejects
// the whole batch.
func (s *Service) Delete(ctx context.Context, tenantID id.TenantID, codes []string) (int, error) {
	if len(codes) == 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "at least one code is required")
	}
	if len(codes) > MaxBatch {
		return 0, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("at most %d codes per request", MaxBatch))
	}
	now := requestcontext.Now(ctx)

	var deleted int
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		normalized := make([]string, 0, len(codes))
		for _, raw := range codes {
			c, err := s.Get(txCtx, tenantID, raw)
			if err != nil {
				return err
			}
			if !c.CanDelete(now) {
				return dErrors.New(dErrors.CodeForbidden, fmt.Sprintf(
					"used registration code %s can be deleted from %s", c.Code, c.DeletableAt().Format(time.DateOnly)))
			}
			normalized = append(normalized, c.Code)
		}
		n, err := s.store.DeleteCodes(txCtx, normalized)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete registration codes")
		}
		deleted = n
		return s.emit(txCtx, audit.Event{
			PrincipalID: requestcontext.Principal(txCtx).ID,
			TenantID:    tenantID,
			Role:        id.RoleAdmin,
			Action:      string(audit.EventCodesDeleted),
			Reason:      fmt.Sprintf("%d codes", n),
		})
	})
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.Deleted.Add(float64(deleted))
	}
	return deleted, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) error {
	event.RequestID = requestcontext.RequestID(ctx)
	if s.logger != nil {
		s.logger.InfoContext(ctx, event.Action,
			"log_type", "audit",
			"event", event.Action,
			"tenant_id", event.TenantID.String(),
			"request_id", event.RequestID,
		)
	}
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func wrapStoreErr(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "invalid registration code")
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "registration code store failure")
}

var alphabetSize = big.NewInt(int64(len(alphabet)))

func randomSuffix() (string, error) {
	buf := make([]byte, suffixLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

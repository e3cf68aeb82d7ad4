package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	challengemodels "unigate/internal/challenge/models"
	identitymetrics "unigate/internal/identity/metrics"
	"unigate/internal/identity/models"
	"unigate/internal/notify"
	regcodemodels "unigate/internal/regcode/models"
	"unigate/internal/session"
	tenantmodels "unigate/internal/tenant/models"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

type AdminStore interface {
	Create(ctx context.Context, a *models.Admin) error
	FindByID(ctx context.Context, adminID id.PrincipalID) (*models.Admin, error)
	FindByEmail(ctx context.Context, email string) (*models.Admin, error)
}

type FacultyStore interface {
	Create(ctx context.Context, f *models.Faculty) error
	Update(ctx context.Context, f *models.Faculty) error
	FindByID(ctx context.Context, facultyID id.PrincipalID) (*models.Faculty, error)
	FindByEmail(ctx context.Context, tenantID id.TenantID, email string) (*models.Faculty, error)
}

type StudentStore interface {
	Create(ctx context.Context, st *models.Student) error
	Update(ctx context.Context, st *models.Student) error
	FindByID(ctx context.Context, studentID id.PrincipalID) (*models.Student, error)
	FindByEmail(ctx context.Context, tenantID id.TenantID, email string) (*models.Student, error)
}

type TenantDirectory interface {
	ResolveTenant(ctx context.Context, universityCode string) (*tenantmodels.Tenant, error)
	CreateTenant(ctx context.Context, name string) (*tenantmodels.Tenant, error)
	GetTenant(ctx context.Context, tenantID id.TenantID) (*tenantmodels.Tenant, error)
}

type Challenges interface {
	Issue(ctx context.Context, subjectKey string, purpose challengemodels.Purpose, ttl time.Duration, metadata map[string]string) (*challengemodels.Challenge, string, error)
	Verify(ctx context.Context, subjectKey string, purpose challengemodels.Purpose, code string) (*challengemodels.Challenge, error)
	RequireVerified(ctx context.Context, subjectKey string, purpose challengemodels.Purpose) (*challengemodels.Challenge, error)
	Consume(ctx context.Context, subjectKey string, purpose challengemodels.Purpose) error
}

type CodeLedger interface {
	Validate(ctx context.Context, code string, codeType regcodemodels.CodeType, tenantID id.TenantID) (*regcodemodels.RegistrationCode, error)
	Consume(ctx context.Context, code string, principalID id.PrincipalID) error
}

type SessionIssuer interface {
	Issue(subject session.Subject, path session.LoginPath, now time.Time) (*session.Token, error)
}

type PasswordHasher interface {
	Hash(raw string) (string, error)
	Verify(raw, hash string) (bool, error)
}

type Mailer interface {
	Dispatch(ctx context.Context, msg notify.Message)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Deps are the collaborators every flow needs.
type Deps struct {
	Admins     AdminStore
	Faculty    FacultyStore
	Students   StudentStore
	Tenants    TenantDirectory
	Challenges Challenges
	Codes      CodeLedger
	Sessions   SessionIssuer
	Hasher     PasswordHasher
}

// ChallengeTTLs are the lifetimes of issued challenges per purpose.
type ChallengeTTLs struct {
	EmailVerify      time.Duration
	Login            time.Duration
	PasswordReset    time.Duration
	RegistrationLink time.Duration
}

func DefaultChallengeTTLs() ChallengeTTLs {
	return ChallengeTTLs{
		EmailVerify:      10 * time.Minute,
		Login:            5 * time.Minute,
		PasswordReset:    10 * time.Minute,
		RegistrationLink: 72 * time.Hour,
	}
}

// AuthResult is a minted session and the principal it belongs to.
type AuthResult struct {
	Token          *session.Token
	Subject        session.Subject
	Email          string
	Name           string
	UniversityCode string
}

// Service runs the admin, faculty and student lifecycles.
type Service struct {
	Deps
	tx             txcontext.Runner
	logger         *slog.Logger
	publisher      AuditPublisher
	metrics        *identitymetrics.Metrics
	mailer         Mailer
	tracer         trace.Tracer
	ttls           ChallengeTTLs
	superAdminCode string
	linkBaseURL    string
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

func WithMetrics(m *identitymetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTx(runner txcontext.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func WithMailer(mailer Mailer) Option {
	return func(s *Service) {
		s.mailer = mailer
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithChallengeTTLs overrides the non-zero TTLs in ttls.
func WithChallengeTTLs(ttls ChallengeTTLs) Option {
	return func(s *Service) {
		if ttls.EmailVerify > 0 {
			s.ttls.EmailVerify = ttls.EmailVerify
		}
		if ttls.Login > 0 {
			s.ttls.Login = ttls.Login
		}
		if ttls.PasswordReset > 0 {
			s.ttls.PasswordReset = ttls.PasswordReset
		}
		if ttls.RegistrationLink > 0 {
			s.ttls.RegistrationLink = ttls.RegistrationLink
		}
	}
}

func WithSuperAdminCode(code string) Option {
	return func(s *Service) {
		s.superAdminCode = code
	}
}

// WithRegistrationLinkBaseURL sets the URL faculty completion tokens are appended to.
func WithRegistrationLinkBaseURL(base string) Option {
	return func(s *Service) {
		s.linkBaseURL = base
	}
}

func New(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Admins == nil, deps.Faculty == nil, deps.Students == nil:
		return nil, errors.New("identity stores are required")
	case deps.Tenants == nil:
		return nil, errors.New("tenant directory is required")
	case deps.Challenges == nil:
		return nil, errors.New("challenge service is required")
	case deps.Codes == nil:
		return nil, errors.New("registration code ledger is required")
	case deps.Sessions == nil:
		return nil, errors.New("session issuer is required")
	case deps.Hasher == nil:
		return nil, errors.New("password hasher is required")
	}

	s := &Service{
		Deps:   deps,
		logger: slog.Default(),
		ttls:   DefaultChallengeTTLs(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.superAdminCode == "" {
		return nil, errors.New("super admin code is required")
	}
	if s.tx == nil {
		s.tx = txcontext.NewInMemory()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("unigate/internal/identity")
	}
	return s, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "identity."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) dispatch(ctx context.Context, msg notify.Message) {
	if s.mailer == nil {
		return
	}
	s.mailer.Dispatch(ctx, msg)
}

func (s *Service) issueSession(ctx context.Context, subject session.Subject, path session.LoginPath, now time.Time) (*session.Token, error) {
	token, err := s.Sessions.Issue(subject, path, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue session",
			"principal_id", subject.ID,
			"path", path,
			"error", err,
		)
		return nil, err
	}
	return token, nil
}

// activeTenant loads the tenant a session is bound to and rejects it once
// deactivated.
func (s *Service) activeTenant(ctx context.Context, tenantID id.TenantID) (*tenantmodels.Tenant, error) {
	tenant, err := s.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive() {
		return nil, dErrors.New(dErrors.CodeForbidden, "university is inactive")
	}
	return tenant, nil
}

// checkPassword compares raw against hash; a missing hash never matches.
func (s *Service) checkPassword(raw, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	ok, err := s.Hasher.Verify(raw, hash)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify password")
	}
	return ok, nil
}

// hashPassword passes hasher input errors through so they reach the caller
// as client errors.
func (s *Service) hashPassword(raw string) (string, error) {
	hash, err := s.Hasher.Hash(raw)
	if err != nil {
		if _, ok := dErrors.As(err); ok {
			return "", err
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash password")
	}
	return hash, nil
}

var errInvalidCredentials = dErrors.New(dErrors.CodeUnauthorized, "invalid email or password")

// wrapStoreErr turns store sentinels into domain errors. Domain errors pass
// through unchanged.
func wrapStoreErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	if field, ok := models.DuplicateField(err); ok {
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("%s already registered", field))
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	}
	if errors.Is(err, sentinel.ErrConflict) {
		return dErrors.New(dErrors.CodeConflict, what+" already exists")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to access "+what)
}

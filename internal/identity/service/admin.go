package service

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	challengemodels "unigate/internal/challenge/models"
	"unigate/internal/credential"
	"unigate/internal/identity/models"
	"unigate/internal/notify"
	"unigate/internal/session"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/email"
	"unigate/pkg/requestcontext"
)

const (
	metaName       = "name"
	metaTenantName = "tenantName"
)

// SignupChallenge reports where an admin signup OTP was sent.
type SignupChallenge struct {
	Email     string
	ExpiresAt time.Time
}

// GenerateAdminOtp starts admin signup. The OTP challenge carries the
// signup's name and tenant name until VerifyAdminOtp creates the records.
func (s *Service) GenerateAdminOtp(ctx context.Context, addr, name, tenantName, superAdminCode string) (_ *SignupChallenge, err error) {
	ctx, span := s.startSpan(ctx, "GenerateAdminOtp")
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleAdmin), "generate_otp", err) }()

	if subtle.ConstantTimeCompare([]byte(superAdminCode), []byte(s.superAdminCode)) != 1 {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid super admin code")
	}
	addr = email.Normalize(addr)
	name = strings.TrimSpace(name)
	tenantName = strings.TrimSpace(tenantName)
	if !email.IsValid(addr) {
		return nil, dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	if name == "" {
		name = email.DeriveNameFromEmail(addr)
	}
	if tenantName == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "university name is required")
	}

	if _, err := s.Admins.FindByEmail(ctx, addr); err == nil {
		return nil, dErrors.New(dErrors.CodeConflict, "email already registered")
	} else if wrapped := wrapStoreErr(err, "admin"); !dErrors.HasCode(wrapped, dErrors.CodeNotFound) {
		return nil, wrapped
	}

	c, code, err := s.Challenges.Issue(ctx, challengemodels.SignupSubject(addr), challengemodels.PurposeEmailVerify,
		s.ttls.EmailVerify, map[string]string{metaName: name, metaTenantName: tenantName})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, notify.OTPMessage(notify.KindEmailVerification, id.TenantID{}, addr, code, s.ttls.EmailVerify))
	return &SignupChallenge{Email: addr, ExpiresAt: c.ExpiresAt}, nil
}

// VerifyAdminOtp completes admin signup: the tenant, the admin and the
// challenge consumption commit together.
func (s *Service) VerifyAdminOtp(ctx context.Context, addr, otp, password string) (_ *AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "VerifyAdminOtp")
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleAdmin), "verify_otp", err) }()

	addr = email.Normalize(addr)
	subject := challengemodels.SignupSubject(addr)
	c, err := s.Challenges.Verify(ctx, subject, challengemodels.PurposeEmailVerify, strings.TrimSpace(otp))
	if err != nil {
		return nil, err
	}
	if err := credential.CheckPolicy(password); err != nil {
		return nil, err
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	var (
		admin          *models.Admin
		universityCode string
	)
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		tenant, err := s.Tenants.CreateTenant(txCtx, c.Metadata[metaTenantName])
		if err != nil {
			return err
		}
		admin = &models.Admin{
			ID:           id.NewPrincipalID(),
			TenantID:     tenant.ID,
			Email:        addr,
			Name:         c.Metadata[metaName],
			PasswordHash: hash,
			State:        models.AdminStateActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.Admins.Create(txCtx, admin); err != nil {
			return wrapStoreErr(err, "admin")
		}
		if err := s.Challenges.Consume(txCtx, subject, challengemodels.PurposeEmailVerify); err != nil {
			return err
		}
		universityCode = tenant.UniversityCode
		return s.emit(txCtx, audit.EventAdminRegistered, audit.Event{
			PrincipalID: admin.ID,
			TenantID:    tenant.ID,
			Role:        id.RoleAdmin,
			Email:       addr,
		})
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("tenant.id", admin.TenantID.String()))
	s.metrics.ObserveActivation(string(id.RoleAdmin))

	subj := session.Subject{ID: admin.ID, Role: id.RoleAdmin, TenantID: admin.TenantID}
	token, err := s.issueSession(ctx, subj, session.PathAdminSignup, now)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Subject: subj, Email: admin.Email, Name: admin.Name, UniversityCode: universityCode}, nil
}

// AdminLogin authenticates an admin by email and password.
func (s *Service) AdminLogin(ctx context.Context, addr, password string) (_ *AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "AdminLogin")
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveLogin(string(id.RoleAdmin), string(session.PathAdminPassword), err)
	}()

	addr = email.Normalize(addr)
	admin, err := s.Admins.FindByEmail(ctx, addr)
	if err != nil {
		if wrapped := wrapStoreErr(err, "admin"); !dErrors.HasCode(wrapped, dErrors.CodeNotFound) {
			return nil, wrapped
		}
		s.emitLogin(ctx, audit.EventLoginFailed, audit.Event{Role: id.RoleAdmin, Email: addr, Reason: "unknown_email"})
		return nil, errInvalidCredentials
	}
	ok, err := s.checkPassword(password, admin.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.emitLogin(ctx, audit.EventLoginFailed, audit.Event{
			PrincipalID: admin.ID, TenantID: admin.TenantID, Role: id.RoleAdmin, Email: addr, Reason: "bad_password",
		})
		return nil, errInvalidCredentials
	}

	tenant, err := s.activeTenant(ctx, admin.TenantID)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	subj := session.Subject{ID: admin.ID, Role: id.RoleAdmin, TenantID: admin.TenantID}
	token, err := s.issueSession(ctx, subj, session.PathAdminPassword, now)
	if err != nil {
		return nil, err
	}
	s.emitLogin(ctx, audit.EventLoginSucceeded, audit.Event{
		PrincipalID: admin.ID, TenantID: admin.TenantID, Role: id.RoleAdmin, Email: addr,
	})
	return &AuthResult{Token: token, Subject: subj, Email: admin.Email, Name: admin.Name, UniversityCode: tenant.UniversityCode}, nil
}

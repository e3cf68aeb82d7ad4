package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	challengemodels "unigate/internal/challenge/models"
	"unigate/internal/credential"
	"unigate/internal/identity/models"
	"unigate/internal/notify"
	regcodemodels "unigate/internal/regcode/models"
	"unigate/internal/session"
	tenantmodels "unigate/internal/tenant/models"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/email"
	"unigate/pkg/platform/sentinel"
	"unigate/pkg/requestcontext"
)

// RegistrationStarted identifies the pending student an OTP was sent for.
type RegistrationStarted struct {
	StudentID      id.PrincipalID
	TenantID       id.TenantID
	UniversityCode string
	Email          string
	ExpiresAt      time.Time
	// Resumed is true when an existing pending record was reused.
	Resumed bool
}

// ChallengeSent reports the expiry of an OTP mailed to a principal.
type ChallengeSent struct {
	Email     string
	ExpiresAt time.Time
}

// BeginStudentRegistration creates or resumes the pending student for
// (tenant, email) and mails a fresh email-verify OTP. An active student with
// that email is a conflict and no OTP is issued.
func (s *Service) BeginStudentRegistration(ctx context.Context, universityCode string, profile models.StudentProfile, registrationCode string) (_ *RegistrationStarted, err error) {
	ctx, span := s.startSpan(ctx, "BeginStudentRegistration", attribute.String("university.code", universityCode))
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleStudent), "begin", err) }()

	tenant, err := s.Tenants.ResolveTenant(ctx, universityCode)
	if err != nil {
		return nil, err
	}
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	registrationCode = regcodemodels.NormalizeCode(registrationCode)
	if registrationCode != "" {
		if _, err := s.Codes.Validate(ctx, registrationCode, regcodemodels.CodeTypeStudent, tenant.ID); err != nil {
			return nil, err
		}
	}

	now := requestcontext.Now(ctx)
	var (
		student *models.Student
		code    string
		expires time.Time
		resumed bool
	)
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.Students.FindByEmail(txCtx, tenant.ID, profile.Email)
		switch {
		case err == nil:
			if !existing.IsResumable() {
				return dErrors.New(dErrors.CodeConflict, "student already registered")
			}
			if err := existing.Resume(profile, registrationCode, now); err != nil {
				return err
			}
			if err := s.Students.Update(txCtx, existing); err != nil {
				return wrapStoreErr(err, "student")
			}
			student, resumed = existing, true
		case errors.Is(err, sentinel.ErrNotFound):
			student = &models.Student{
				ID:               id.NewPrincipalID(),
				TenantID:         tenant.ID,
				Email:            profile.Email,
				Name:             profile.Name,
				RegisterNumber:   profile.RegisterNumber,
				Division:         profile.Division,
				ClassYear:        profile.ClassYear,
				Semester:         profile.Semester,
				RegistrationCode: registrationCode,
				State:            models.StudentStatePending,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.Students.Create(txCtx, student); err != nil {
				return wrapStoreErr(err, "student")
			}
		default:
			return wrapStoreErr(err, "student")
		}

		c, otp, err := s.Challenges.Issue(txCtx, student.ID.String(), challengemodels.PurposeEmailVerify, s.ttls.EmailVerify, nil)
		if err != nil {
			return err
		}
		code, expires = otp, c.ExpiresAt
		return s.emit(txCtx, audit.EventStudentRegistrationBegun, audit.Event{
			PrincipalID: student.ID,
			TenantID:    tenant.ID,
			Role:        id.RoleStudent,
			Email:       student.Email,
		})
	})
	if err != nil {
		return nil, err
	}
	if resumed && s.metrics != nil {
		s.metrics.Resumes.Inc()
	}

	s.dispatch(ctx, notify.OTPMessage(notify.KindEmailVerification, tenant.ID, student.Email, code, s.ttls.EmailVerify))
	return &RegistrationStarted{
		StudentID:      student.ID,
		TenantID:       tenant.ID,
		UniversityCode: tenant.UniversityCode,
		Email:          student.Email,
		ExpiresAt:      expires,
		Resumed:        resumed,
	}, nil
}

// VerifyStudentEmailOtp checks the email-verify OTP and moves the student to
// otp_verified. The challenge stays live until registration completes.
func (s *Service) VerifyStudentEmailOtp(ctx context.Context, studentID id.PrincipalID, otp string) (_ *models.Student, err error) {
	ctx, span := s.startSpan(ctx, "VerifyStudentEmailOtp", attribute.String("principal.id", studentID.String()))
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleStudent), "verify_otp", err) }()

	student, err := s.Students.FindByID(ctx, studentID)
	if err != nil {
		return nil, wrapStoreErr(err, "student")
	}
	if !student.IsResumable() {
		return nil, dErrors.New(dErrors.CodeConflict, "student already registered")
	}
	if _, err := s.Challenges.Verify(ctx, student.ID.String(), challengemodels.PurposeEmailVerify, strings.TrimSpace(otp)); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		// a resume since the read replaces the profile and reissues the OTP
		current, err := s.Students.FindByID(txCtx, studentID)
		if err != nil {
			return wrapStoreErr(err, "student")
		}
		if _, err := s.Challenges.RequireVerified(txCtx, current.ID.String(), challengemodels.PurposeEmailVerify); err != nil {
			return err
		}
		if err := current.MarkOTPVerified(now); err != nil {
			return err
		}
		if err := s.Students.Update(txCtx, current); err != nil {
			return wrapStoreErr(err, "student")
		}
		student = current
		return s.emit(txCtx, audit.EventStudentEmailVerified, audit.Event{
			PrincipalID: current.ID,
			TenantID:    current.TenantID,
			Role:        id.RoleStudent,
		})
	})
	if err != nil {
		return nil, err
	}
	return student, nil
}

// CompleteStudentRegistration sets the password and activates the student.
// Activation, challenge consumption and registration code consumption commit
// together.
func (s *Service) CompleteStudentRegistration(ctx context.Context, studentID id.PrincipalID, password string) (_ *AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "CompleteStudentRegistration", attribute.String("principal.id", studentID.String()))
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleStudent), "complete", err) }()

	student, err := s.Students.FindByID(ctx, studentID)
	if err != nil {
		return nil, wrapStoreErr(err, "student")
	}
	switch student.State {
	case models.StudentStateOTPVerified:
	case models.StudentStatePending:
		return nil, dErrors.New(dErrors.CodeVerificationRequired, "verify your email before setting a password")
	default:
		return nil, dErrors.New(dErrors.CodeConflict, "student already registered")
	}
	subject := student.ID.String()
	if _, err := s.Challenges.RequireVerified(ctx, subject, challengemodels.PurposeEmailVerify); err != nil {
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
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.Students.FindByID(txCtx, studentID)
		if err != nil {
			return wrapStoreErr(err, "student")
		}
		if err := current.Activate(hash, now); err != nil {
			return err
		}
		if err := s.Students.Update(txCtx, current); err != nil {
			return wrapStoreErr(err, "student")
		}
		if err := s.Challenges.Consume(txCtx, subject, challengemodels.PurposeEmailVerify); err != nil {
			return err
		}
		if current.RegistrationCode != "" {
			if err := s.Codes.Consume(txCtx, current.RegistrationCode, current.ID); err != nil {
				return err
			}
		}
		student = current
		return s.emit(txCtx, audit.EventStudentActivated, audit.Event{
			PrincipalID: current.ID,
			TenantID:    current.TenantID,
			Role:        id.RoleStudent,
			Email:       current.Email,
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveActivation(string(id.RoleStudent))

	subj := session.Subject{ID: student.ID, Role: id.RoleStudent, TenantID: student.TenantID}
	token, err := s.issueSession(ctx, subj, session.PathStudentRegistration, now)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Subject: subj, Email: student.Email, Name: student.Name}, nil
}

// StudentLogin authenticates an active student by password.
func (s *Service) StudentLogin(ctx context.Context, universityCode, addr, password string) (_ *AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "StudentLogin", attribute.String("university.code", universityCode))
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveLogin(string(id.RoleStudent), string(session.PathStudentPassword), err)
	}()

	tenant, err := s.Tenants.ResolveTenant(ctx, universityCode)
	if err != nil {
		return nil, err
	}
	student, err := s.lookupStudent(ctx, tenant, addr)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			s.emitLogin(ctx, audit.EventLoginFailed, audit.Event{
				TenantID: tenant.ID, Role: id.RoleStudent, Email: email.Normalize(addr), Reason: "unknown_email",
			})
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	ok, err := s.checkPassword(password, student.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.emitLogin(ctx, audit.EventLoginFailed, audit.Event{
			PrincipalID: student.ID, TenantID: tenant.ID, Role: id.RoleStudent, Email: student.Email, Reason: "bad_password",
		})
		return nil, errInvalidCredentials
	}
	if err := requireActiveStudent(student); err != nil {
		return nil, err
	}
	return s.studentSession(ctx, tenant, student, session.PathStudentPassword)
}

// RequestStudentLoginOtp mails a passwordless login OTP to an active student.
func (s *Service) RequestStudentLoginOtp(ctx context.Context, universityCode, addr string) (_ *ChallengeSent, err error) {
	ctx, span := s.startSpan(ctx, "RequestStudentLoginOtp", attribute.String("university.code", universityCode))
	defer func() { endSpan(span, err) }()

	return s.sendStudentOtp(ctx, universityCode, addr, challengemodels.PurposeLoginOTP, s.ttls.Login, notify.KindLoginOTP)
}

// StudentLoginWithOtp consumes the login OTP and issues a session.
func (s *Service) StudentLoginWithOtp(ctx context.Context, universityCode, addr, otp string) (_ *AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "StudentLoginWithOtp", attribute.String("university.code", universityCode))
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveLogin(string(id.RoleStudent), string(session.PathStudentOTP), err)
	}()

	tenant, student, err := s.findStudent(ctx, universityCode, addr)
	if err != nil {
		return nil, err
	}
	if err := requireActiveStudent(student); err != nil {
		return nil, err
	}
	subject := student.ID.String()
	if _, err := s.Challenges.Verify(ctx, subject, challengemodels.PurposeLoginOTP, strings.TrimSpace(otp)); err != nil {
		s.emitLogin(ctx, audit.EventLoginFailed, audit.Event{
			PrincipalID: student.ID, TenantID: tenant.ID, Role: id.RoleStudent, Email: student.Email, Reason: "bad_otp",
		})
		return nil, err
	}
	if err := s.Challenges.Consume(ctx, subject, challengemodels.PurposeLoginOTP); err != nil {
		return nil, err
	}
	return s.studentSession(ctx, tenant, student, session.PathStudentOTP)
}

// RequestStudentPasswordReset mails a password-reset OTP to an active student.
func (s *Service) RequestStudentPasswordReset(ctx context.Context, universityCode, addr string) (_ *ChallengeSent, err error) {
	ctx, span := s.startSpan(ctx, "RequestStudentPasswordReset", attribute.String("university.code", universityCode))
	defer func() { endSpan(span, err) }()

	sent, err := s.sendStudentOtp(ctx, universityCode, addr, challengemodels.PurposePasswordReset, s.ttls.PasswordReset, notify.KindPasswordReset)
	if err != nil {
		return nil, err
	}
	if emitErr := s.emit(ctx, audit.EventPasswordResetRequest, audit.Event{Role: id.RoleStudent, Email: sent.Email}); emitErr != nil {
		s.logger.ErrorContext(ctx, "failed to record password reset request", "error", emitErr)
	}
	return sent, nil
}

// VerifyStudentResetOtp marks the password-reset challenge verified.
func (s *Service) VerifyStudentResetOtp(ctx context.Context, universityCode, addr, otp string) (err error) {
	ctx, span := s.startSpan(ctx, "VerifyStudentResetOtp", attribute.String("university.code", universityCode))
	defer func() { endSpan(span, err) }()

	_, student, err := s.findStudent(ctx, universityCode, addr)
	if err != nil {
		return err
	}
	_, err = s.Challenges.Verify(ctx, student.ID.String(), challengemodels.PurposePasswordReset, strings.TrimSpace(otp))
	return err
}

// ResetStudentPassword replaces the password once the reset challenge is
// verified. The update and challenge consumption commit together.
func (s *Service) ResetStudentPassword(ctx context.Context, universityCode, addr, password string) (err error) {
	ctx, span := s.startSpan(ctx, "ResetStudentPassword", attribute.String("university.code", universityCode))
	defer func() { endSpan(span, err) }()

	_, student, err := s.findStudent(ctx, universityCode, addr)
	if err != nil {
		return err
	}
	if err := requireActiveStudent(student); err != nil {
		return err
	}
	subject := student.ID.String()
	if _, err := s.Challenges.RequireVerified(ctx, subject, challengemodels.PurposePasswordReset); err != nil {
		return err
	}
	if err := credential.CheckPolicy(password); err != nil {
		return err
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		return err
	}

	now := requestcontext.Now(ctx)
	return s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.Students.FindByID(txCtx, student.ID)
		if err != nil {
			return wrapStoreErr(err, "student")
		}
		if err := requireActiveStudent(current); err != nil {
			return err
		}
		current.PasswordHash = hash
		current.UpdatedAt = now
		if err := s.Students.Update(txCtx, current); err != nil {
			return wrapStoreErr(err, "student")
		}
		if err := s.Challenges.Consume(txCtx, subject, challengemodels.PurposePasswordReset); err != nil {
			return err
		}
		return s.emit(txCtx, audit.EventPasswordReset, audit.Event{
			PrincipalID: current.ID,
			TenantID:    current.TenantID,
			Role:        id.RoleStudent,
			Email:       current.Email,
		})
	})
}

func (s *Service) sendStudentOtp(ctx context.Context, universityCode, addr string, purpose challengemodels.Purpose, ttl time.Duration, kind notify.Kind) (*ChallengeSent, error) {
	tenant, student, err := s.findStudent(ctx, universityCode, addr)
	if err != nil {
		return nil, err
	}
	if err := requireActiveStudent(student); err != nil {
		return nil, err
	}
	c, code, err := s.Challenges.Issue(ctx, student.ID.String(), purpose, ttl, nil)
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, notify.OTPMessage(kind, tenant.ID, student.Email, code, ttl))
	return &ChallengeSent{Email: student.Email, ExpiresAt: c.ExpiresAt}, nil
}

func (s *Service) findStudent(ctx context.Context, universityCode, addr string) (*tenantmodels.Tenant, *models.Student, error) {
	tenant, err := s.Tenants.ResolveTenant(ctx, universityCode)
	if err != nil {
		return nil, nil, err
	}
	student, err := s.lookupStudent(ctx, tenant, addr)
	if err != nil {
		return nil, nil, err
	}
	return tenant, student, nil
}

func (s *Service) lookupStudent(ctx context.Context, tenant *tenantmodels.Tenant, addr string) (*models.Student, error) {
	addr = email.Normalize(addr)
	if !email.IsValid(addr) {
		return nil, dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	student, err := s.Students.FindByEmail(ctx, tenant.ID, addr)
	if err != nil {
		return nil, wrapStoreErr(err, "student")
	}
	return student, nil
}

func requireActiveStudent(student *models.Student) error {
	switch student.State {
	case models.StudentStateActive:
		return nil
	case models.StudentStateInactive:
		return dErrors.New(dErrors.CodeForbidden, "student account is inactive")
	default:
		return dErrors.New(dErrors.CodeForbidden, "complete registration before logging in")
	}
}

func (s *Service) studentSession(ctx context.Context, tenant *tenantmodels.Tenant, student *models.Student, path session.LoginPath) (*AuthResult, error) {
	subj := session.Subject{ID: student.ID, Role: id.RoleStudent, TenantID: student.TenantID}
	token, err := s.issueSession(ctx, subj, path, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	s.emitLogin(ctx, audit.EventLoginSucceeded, audit.Event{
		PrincipalID: student.ID, TenantID: tenant.ID, Role: id.RoleStudent, Email: student.Email, Reason: string(path),
	})
	return &AuthResult{Token: token, Subject: subj, Email: student.Email, Name: student.Name, UniversityCode: tenant.UniversityCode}, nil
}

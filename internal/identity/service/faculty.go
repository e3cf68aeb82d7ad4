package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	challengemodels "unigate/internal/challenge/models"
	"unigate/internal/credential"
	"unigate/internal/identity/models"
	"unigate/internal/notify"
	regcodemodels "unigate/internal/regcode/models"
	"unigate/internal/session"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/email"
	"unigate/pkg/requestcontext"
)

// FacultyInvite is the result of an admin creating a faculty account.
type FacultyInvite struct {
	Faculty *models.Faculty
	// CompletionExpiresAt bounds the completion link mailed to the faculty.
	CompletionExpiresAt time.Time
}

// CreateFaculty provisions an account in the admin's tenant with a temporary
// password and mails a completion link. The faculty can log in at once but
// gets a restricted session until the profile is completed.
func (s *Service) CreateFaculty(ctx context.Context, admin requestcontext.AuthenticatedPrincipal, profile models.FacultyProfile) (_ *FacultyInvite, err error) {
	ctx, span := s.startSpan(ctx, "CreateFaculty", attribute.String("tenant.id", admin.TenantID.String()))
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleFaculty), "create", err) }()

	if admin.Role != id.RoleAdmin {
		return nil, dErrors.New(dErrors.CodeForbidden, "only admins can create faculty")
	}
	tenant, err := s.activeTenant(ctx, admin.TenantID)
	if err != nil {
		return nil, err
	}
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	temporary, err := credential.GenerateTemporary()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate temporary password")
	}
	hash, err := s.hashPassword(temporary)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	faculty := &models.Faculty{
		ID:           id.NewPrincipalID(),
		TenantID:     tenant.ID,
		Email:        profile.Email,
		Name:         profile.Name,
		EmployeeID:   profile.EmployeeID,
		Department:   profile.Department,
		Phone:        profile.Phone,
		PasswordHash: hash,
		State:        models.FacultyStateAwaitingCompletion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var (
		secret  string
		expires time.Time
	)
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.Faculty.Create(txCtx, faculty); err != nil {
			return wrapStoreErr(err, "faculty")
		}
		c, code, err := s.Challenges.Issue(txCtx, faculty.ID.String(), challengemodels.PurposeRegistrationCompletion, s.ttls.RegistrationLink, nil)
		if err != nil {
			return err
		}
		secret, expires = code, c.ExpiresAt
		return s.emit(txCtx, audit.EventFacultyCreated, audit.Event{
			PrincipalID: faculty.ID,
			TenantID:    tenant.ID,
			Role:        id.RoleFaculty,
			Email:       faculty.Email,
		})
	})
	if err != nil {
		return nil, err
	}

	link := strings.TrimRight(s.linkBaseURL, "/") + "/" + completionToken(faculty.ID, secret)
	s.dispatch(ctx, notify.FacultyInviteMessage(tenant.ID, faculty.Email, faculty.Name, tenant.Name, temporary, link, s.ttls.RegistrationLink))
	return &FacultyInvite{Faculty: faculty, CompletionExpiresAt: expires}, nil
}

// RegisterFaculty is self-service signup against a faculty registration
// code. Creation and code consumption commit together; the account waits
// for admin approval.
func (s *Service) RegisterFaculty(ctx context.Context, universityCode, registrationCode string, profile models.FacultyProfile, password string) (_ *models.Faculty, err error) {
	ctx, span := s.startSpan(ctx, "RegisterFaculty", attribute.String("university.code", universityCode))
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleFaculty), "register", err) }()

	tenant, err := s.Tenants.ResolveTenant(ctx, universityCode)
	if err != nil {
		return nil, err
	}
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if err := credential.CheckPolicy(password); err != nil {
		return nil, err
	}
	code, err := s.Codes.Validate(ctx, registrationCode, regcodemodels.CodeTypeFaculty, tenant.ID)
	if err != nil {
		return nil, err
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	faculty := &models.Faculty{
		ID:           id.NewPrincipalID(),
		TenantID:     tenant.ID,
		Email:        profile.Email,
		Name:         profile.Name,
		EmployeeID:   profile.EmployeeID,
		Department:   profile.Department,
		Phone:        profile.Phone,
		PasswordHash: hash,
		State:        models.FacultyStatePendingApproval,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.Faculty.Create(txCtx, faculty); err != nil {
			return wrapStoreErr(err, "faculty")
		}
		if err := s.Codes.Consume(txCtx, code.Code, faculty.ID); err != nil {
			return err
		}
		return s.emit(txCtx, audit.EventFacultyRegistered, audit.Event{
			PrincipalID: faculty.ID,
			TenantID:    tenant.ID,
			Role:        id.RoleFaculty,
			Email:       faculty.Email,
			Reason:      code.Code,
		})
	})
	if err != nil {
		return nil, err
	}
	return faculty, nil
}

// ApproveFaculty activates a self-registered faculty of the admin's tenant.
func (s *Service) ApproveFaculty(ctx context.Context, admin requestcontext.AuthenticatedPrincipal, facultyID id.PrincipalID) (_ *models.Faculty, err error) {
	ctx, span := s.startSpan(ctx, "ApproveFaculty", attribute.String("principal.id", facultyID.String()))
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleFaculty), "approve", err) }()

	if admin.Role != id.RoleAdmin {
		return nil, dErrors.New(dErrors.CodeForbidden, "only admins can approve faculty")
	}
	if _, err := s.activeTenant(ctx, admin.TenantID); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	var faculty *models.Faculty
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		f, err := s.Faculty.FindByID(txCtx, facultyID)
		if err != nil {
			return wrapStoreErr(err, "faculty")
		}
		if f.TenantID != admin.TenantID {
			return dErrors.New(dErrors.CodeNotFound, "faculty not found")
		}
		if err := f.Approve(now); err != nil {
			return err
		}
		if err := s.Faculty.Update(txCtx, f); err != nil {
			return wrapStoreErr(err, "faculty")
		}
		faculty = f
		return s.emit(txCtx, audit.EventFacultyApproved, audit.Event{
			PrincipalID: f.ID,
			TenantID:    f.TenantID,
			Role:        id.RoleFaculty,
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveActivation(string(id.RoleFaculty))
	return faculty, nil
}

// CompleteFacultyRegistration redeems a completion token, applies the
// profile and optional new password, and activates the faculty.
func (s *Service) CompleteFacultyRegistration(ctx context.Context, token string, profile models.FacultyProfile, newPassword string) (_ *AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "CompleteFacultyRegistration")
	defer func() { endSpan(span, err); s.metrics.ObserveStep(string(id.RoleFaculty), "complete", err) }()

	facultyID, secret, ok := parseCompletionToken(token)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "invalid registration link")
	}
	profile.Normalize()

	var hash string
	if newPassword != "" {
		if err := credential.CheckPolicy(newPassword); err != nil {
			return nil, err
		}
		if hash, err = s.hashPassword(newPassword); err != nil {
			return nil, err
		}
	}

	subject := facultyID.String()
	if _, err := s.Challenges.Verify(ctx, subject, challengemodels.PurposeRegistrationCompletion, secret); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	var faculty *models.Faculty
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		f, err := s.Faculty.FindByID(txCtx, facultyID)
		if err != nil {
			return wrapStoreErr(err, "faculty")
		}
		if err := f.Complete(profile, hash, now); err != nil {
			return err
		}
		if err := s.Faculty.Update(txCtx, f); err != nil {
			return wrapStoreErr(err, "faculty")
		}
		if err := s.Challenges.Consume(txCtx, subject, challengemodels.PurposeRegistrationCompletion); err != nil {
			return err
		}
		faculty = f
		return s.emit(txCtx, audit.EventFacultyCompleted, audit.Event{
			PrincipalID: f.ID,
			TenantID:    f.TenantID,
			Role:        id.RoleFaculty,
			Email:       f.Email,
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveActivation(string(id.RoleFaculty))

	subj := session.Subject{ID: faculty.ID, Role: id.RoleFaculty, TenantID: faculty.TenantID}
	tok, err := s.issueSession(ctx, subj, session.PathFacultyCompletion, now)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: tok, Subject: subj, Email: faculty.Email, Name: faculty.Name}, nil
}

// FacultyLogin authenticates faculty by password. Faculty pending approval
// or completion still authenticate but get a requiresRegistration session.
func (s *Service) FacultyLogin(ctx context.Context, universityCode, addr, password string) (_ *AuthResult, err error) {
	ctx, span := s.startSpan(ctx, "FacultyLogin", attribute.String("university.code", universityCode))
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveLogin(string(id.RoleFaculty), string(session.PathFacultyPassword), err)
	}()

	tenant, err := s.Tenants.ResolveTenant(ctx, universityCode)
	if err != nil {
		return nil, err
	}
	addr = email.Normalize(addr)
	faculty, err := s.Faculty.FindByEmail(ctx, tenant.ID, addr)
	if err != nil {
		if wrapped := wrapStoreErr(err, "faculty"); !dErrors.HasCode(wrapped, dErrors.CodeNotFound) {
			return nil, wrapped
		}
		s.emitLogin(ctx, audit.EventLoginFailed, audit.Event{TenantID: tenant.ID, Role: id.RoleFaculty, Email: addr, Reason: "unknown_email"})
		return nil, errInvalidCredentials
	}
	ok, err := s.checkPassword(password, faculty.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.emitLogin(ctx, audit.EventLoginFailed, audit.Event{
			PrincipalID: faculty.ID, TenantID: tenant.ID, Role: id.RoleFaculty, Email: addr, Reason: "bad_password",
		})
		return nil, errInvalidCredentials
	}
	if faculty.State == models.FacultyStateInactive {
		return nil, dErrors.New(dErrors.CodeForbidden, "faculty account is inactive")
	}

	subj := session.Subject{
		ID:                   faculty.ID,
		Role:                 id.RoleFaculty,
		TenantID:             faculty.TenantID,
		RequiresRegistration: faculty.RequiresRegistration(),
	}
	token, err := s.issueSession(ctx, subj, session.PathFacultyPassword, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	s.emitLogin(ctx, audit.EventLoginSucceeded, audit.Event{
		PrincipalID: faculty.ID, TenantID: tenant.ID, Role: id.RoleFaculty, Email: addr,
	})
	return &AuthResult{Token: token, Subject: subj, Email: faculty.Email, Name: faculty.Name, UniversityCode: tenant.UniversityCode}, nil
}

func completionToken(facultyID id.PrincipalID, secret string) string {
	return facultyID.String() + "." + secret
}

func parseCompletionToken(token string) (id.PrincipalID, string, bool) {
	raw, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || secret == "" {
		return id.PrincipalID{}, "", false
	}
	facultyID, err := id.ParsePrincipalID(raw)
	if err != nil {
		return id.PrincipalID{}, "", false
	}
	return facultyID, secret, true
}

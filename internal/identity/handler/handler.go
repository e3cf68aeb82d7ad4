package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"unigate/internal/identity/models"
	"unigate/internal/identity/service"
	"unigate/internal/session"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/platform/httputil"
	"unigate/pkg/requestcontext"
)

type Service interface {
	GenerateAdminOtp(ctx context.Context, email, name, tenantName, superAdminCode string) (*service.SignupChallenge, error)
	VerifyAdminOtp(ctx context.Context, email, otp, password string) (*service.AuthResult, error)
	AdminLogin(ctx context.Context, email, password string) (*service.AuthResult, error)

	BeginStudentRegistration(ctx context.Context, universityCode string, profile models.StudentProfile, registrationCode string) (*service.RegistrationStarted, error)
	VerifyStudentEmailOtp(ctx context.Context, studentID id.PrincipalID, otp string) (*models.Student, error)
	CompleteStudentRegistration(ctx context.Context, studentID id.PrincipalID, password string) (*service.AuthResult, error)
	StudentLogin(ctx context.Context, universityCode, email, password string) (*service.AuthResult, error)
	RequestStudentLoginOtp(ctx context.Context, universityCode, email string) (*service.ChallengeSent, error)
	StudentLoginWithOtp(ctx context.Context, universityCode, email, otp string) (*service.AuthResult, error)
	RequestStudentPasswordReset(ctx context.Context, universityCode, email string) (*service.ChallengeSent, error)
	VerifyStudentResetOtp(ctx context.Context, universityCode, email, otp string) error
	ResetStudentPassword(ctx context.Context, universityCode, email, password string) error

	CreateFaculty(ctx context.Context, admin requestcontext.AuthenticatedPrincipal, profile models.FacultyProfile) (*service.FacultyInvite, error)
	RegisterFaculty(ctx context.Context, universityCode, registrationCode string, profile models.FacultyProfile, password string) (*models.Faculty, error)
	ApproveFaculty(ctx context.Context, admin requestcontext.AuthenticatedPrincipal, facultyID id.PrincipalID) (*models.Faculty, error)
	CompleteFacultyRegistration(ctx context.Context, token string, profile models.FacultyProfile, newPassword string) (*service.AuthResult, error)
	FacultyLogin(ctx context.Context, universityCode, email, password string) (*service.AuthResult, error)
}

// SessionVerifier parses a bearer token back into its claims.
type SessionVerifier interface {
	Verify(token string) (*session.Claims, error)
}

// Handler serves admin, student and faculty onboarding and login routes.
type Handler struct {
	service  Service
	sessions SessionVerifier
	logger   *slog.Logger

	sendLimit    func(http.Handler) http.Handler
	attemptLimit func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithRateLimits guards routes that email a code with send and routes that
// check a password, OTP or token with attempt. Either may be nil.
func WithRateLimits(send, attempt func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.sendLimit = send
		h.attemptLimit = attempt
	}
}

func New(service Service, sessions SessionVerifier, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, sessions: sessions, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the unauthenticated routes.
func (h *Handler) Register(r chi.Router) {
	send := limited(r, h.sendLimit)
	attempt := limited(r, h.attemptLimit)

	send.Post("/auth/admin/generate-otp", h.HandleAdminGenerateOtp)
	attempt.Post("/auth/admin/verify-otp", h.HandleAdminVerifyOtp)
	attempt.Post("/auth/admin/login", h.HandleAdminLogin)
	r.Get("/auth/session", h.HandleSession)

	send.Post("/student/verify-university-code", h.HandleStudentBegin)
	attempt.Post("/student/verify-otp", h.HandleStudentVerifyOtp)
	r.Post("/student/complete-registration", h.HandleStudentComplete)
	attempt.Post("/student/login", h.HandleStudentLogin)
	send.Post("/student/request-login-otp", h.HandleStudentRequestLoginOtp)
	attempt.Post("/student/login-with-otp", h.HandleStudentLoginWithOtp)
	send.Post("/student/request-password-reset", h.HandleStudentRequestPasswordReset)
	attempt.Post("/student/verify-reset-otp", h.HandleStudentVerifyResetOtp)
	r.Post("/student/reset-password", h.HandleStudentResetPassword)

	attempt.Post("/faculty/register", h.HandleFacultyRegister)
	attempt.Post("/faculty/login", h.HandleFacultyLogin)
	attempt.Post("/faculty/complete-registration/{token}", h.HandleFacultyComplete)
}

func limited(r chi.Router, mw func(http.Handler) http.Handler) chi.Router {
	if mw == nil {
		return r
	}
	return r.With(mw)
}

// RegisterAdmin mounts routes that need an admin session. The router puts
// the auth and admin role middleware in front of them.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/faculty", h.HandleFacultyCreate)
	r.Post("/faculty/{id}/approve", h.HandleFacultyApprove)
}

// fail logs a rejected request and writes the mapped error response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error, attrs ...any) {
	args := append([]any{"request_id", requestcontext.RequestID(ctx), "error", err}, attrs...)
	if de, ok := dErrors.As(err); ok && de.Code == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, args...)
	} else {
		h.logger.WarnContext(ctx, msg, args...)
	}
	httputil.WriteError(w, err)
}

func (h *Handler) writeAuth(ctx context.Context, w http.ResponseWriter, status int, msg string, result *service.AuthResult, start time.Time) {
	h.logger.InfoContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"principal_id", result.Subject.ID,
		"tenant_id", result.Subject.TenantID,
		"role", result.Subject.Role,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, status, toAuthResponse(result))
}

// HandleAdminGenerateOtp handles POST /auth/admin/generate-otp.
func (h *Handler) HandleAdminGenerateOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[AdminGenerateOtpRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	sent, err := h.service.GenerateAdminOtp(ctx, req.Email, req.Name, req.TenantName, req.SuperAdminCode)
	if err != nil {
		h.fail(ctx, w, "admin signup otp rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ChallengeResponse{
		Message:   "verification code sent",
		Email:     sent.Email,
		ExpiresAt: formatTime(sent.ExpiresAt),
	})
}

// HandleAdminVerifyOtp handles POST /auth/admin/verify-otp.
func (h *Handler) HandleAdminVerifyOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	req, ok := httputil.DecodeAndPrepare[AdminVerifyOtpRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.VerifyAdminOtp(ctx, req.Email, req.OTP, req.Password)
	if err != nil {
		h.fail(ctx, w, "admin signup failed", err)
		return
	}
	h.writeAuth(ctx, w, http.StatusCreated, "admin signed up", result, start)
}

// HandleAdminLogin handles POST /auth/admin/login.
func (h *Handler) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	req, ok := httputil.DecodeAndPrepare[AdminLoginRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.AdminLogin(ctx, req.Email, req.Password)
	if err != nil {
		h.fail(ctx, w, "admin login failed", err)
		return
	}
	h.writeAuth(ctx, w, http.StatusOK, "admin logged in", result, start)
}

// HandleSession handles GET /auth/session. It accepts any valid bearer
// token, including restricted ones, and echoes its claims.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token"))
		return
	}
	claims, err := h.sessions.Verify(strings.TrimSpace(token))
	if err != nil {
		h.fail(ctx, w, "session introspection rejected", err)
		return
	}
	resp := SessionResponse{
		ID:                   claims.ID,
		Role:                 claims.Role,
		TenantID:             claims.TenantID,
		RequiresRegistration: claims.RequiresRegistration,
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = formatTime(claims.IssuedAt.Time)
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = formatTime(claims.ExpiresAt.Time)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleStudentBegin handles POST /student/verify-university-code.
func (h *Handler) HandleStudentBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[StudentBeginRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	started, err := h.service.BeginStudentRegistration(ctx, req.UniversityCode, req.profile(), req.RegistrationCode)
	if err != nil {
		h.fail(ctx, w, "student registration rejected", err, "university_code", req.UniversityCode)
		return
	}

	h.logger.InfoContext(ctx, "student registration started",
		"request_id", requestcontext.RequestID(ctx),
		"principal_id", started.StudentID,
		"tenant_id", started.TenantID,
		"resumed", started.Resumed,
	)
	status := http.StatusCreated
	if started.Resumed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, RegistrationStartedResponse{
		StudentID:      started.StudentID.String(),
		TenantID:       started.TenantID.String(),
		UniversityCode: started.UniversityCode,
		Email:          started.Email,
		OTPExpiresAt:   formatTime(started.ExpiresAt),
		Resumed:        started.Resumed,
	})
}

// HandleStudentVerifyOtp handles POST /student/verify-otp.
func (h *Handler) HandleStudentVerifyOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[StudentVerifyOtpRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	student, err := h.service.VerifyStudentEmailOtp(ctx, req.studentID, req.OTP)
	if err != nil {
		h.fail(ctx, w, "student otp rejected", err, "principal_id", req.studentID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toStudentResponse(student))
}

// HandleStudentComplete handles POST /student/complete-registration.
func (h *Handler) HandleStudentComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	req, ok := httputil.DecodeAndPrepare[StudentCompleteRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.CompleteStudentRegistration(ctx, req.studentID, req.Password)
	if err != nil {
		h.fail(ctx, w, "student registration completion rejected", err, "principal_id", req.studentID)
		return
	}
	h.writeAuth(ctx, w, http.StatusOK, "student registered", result, start)
}

// HandleStudentLogin handles POST /student/login.
func (h *Handler) HandleStudentLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	req, ok := httputil.DecodeAndPrepare[TenantLoginRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.StudentLogin(ctx, req.UniversityCode, req.Email, req.Password)
	if err != nil {
		h.fail(ctx, w, "student login failed", err, "university_code", req.UniversityCode)
		return
	}
	h.writeAuth(ctx, w, http.StatusOK, "student logged in", result, start)
}

// HandleStudentRequestLoginOtp handles POST /student/request-login-otp.
func (h *Handler) HandleStudentRequestLoginOtp(w http.ResponseWriter, r *http.Request) {
	h.handleSendOtp(w, r, "login code sent", h.service.RequestStudentLoginOtp)
}

// HandleStudentRequestPasswordReset handles POST /student/request-password-reset.
func (h *Handler) HandleStudentRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.handleSendOtp(w, r, "password reset code sent", h.service.RequestStudentPasswordReset)
}

func (h *Handler) handleSendOtp(w http.ResponseWriter, r *http.Request, message string,
	fn func(context.Context, string, string) (*service.ChallengeSent, error),
) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[TenantEmailRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	sent, err := fn(ctx, req.UniversityCode, req.Email)
	if err != nil {
		h.fail(ctx, w, "student otp request rejected", err, "university_code", req.UniversityCode)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ChallengeResponse{
		Message:   message,
		Email:     sent.Email,
		ExpiresAt: formatTime(sent.ExpiresAt),
	})
}

// HandleStudentLoginWithOtp handles POST /student/login-with-otp.
func (h *Handler) HandleStudentLoginWithOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	req, ok := httputil.DecodeAndPrepare[TenantOtpRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.StudentLoginWithOtp(ctx, req.UniversityCode, req.Email, req.OTP)
	if err != nil {
		h.fail(ctx, w, "student otp login failed", err, "university_code", req.UniversityCode)
		return
	}
	h.writeAuth(ctx, w, http.StatusOK, "student logged in", result, start)
}

// HandleStudentVerifyResetOtp handles POST /student/verify-reset-otp.
func (h *Handler) HandleStudentVerifyResetOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[TenantOtpRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if err := h.service.VerifyStudentResetOtp(ctx, req.UniversityCode, req.Email, req.OTP); err != nil {
		h.fail(ctx, w, "password reset otp rejected", err, "university_code", req.UniversityCode)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, MessageResponse{Message: "code verified"})
}

// HandleStudentResetPassword handles POST /student/reset-password.
func (h *Handler) HandleStudentResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[TenantLoginRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if err := h.service.ResetStudentPassword(ctx, req.UniversityCode, req.Email, req.Password); err != nil {
		h.fail(ctx, w, "password reset rejected", err, "university_code", req.UniversityCode)
		return
	}
	h.logger.InfoContext(ctx, "student password reset",
		"request_id", requestcontext.RequestID(ctx),
		"university_code", req.UniversityCode,
	)
	httputil.WriteJSON(w, http.StatusOK, MessageResponse{Message: "password updated"})
}

// HandleFacultyRegister handles POST /faculty/register.
func (h *Handler) HandleFacultyRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[FacultyRegisterRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	faculty, err := h.service.RegisterFaculty(ctx, req.UniversityCode, req.RegistrationCode, req.profile(), req.Password)
	if err != nil {
		h.fail(ctx, w, "faculty registration rejected", err, "university_code", req.UniversityCode)
		return
	}
	h.logger.InfoContext(ctx, "faculty registered",
		"request_id", requestcontext.RequestID(ctx),
		"principal_id", faculty.ID,
		"tenant_id", faculty.TenantID,
	)
	httputil.WriteJSON(w, http.StatusCreated, toFacultyResponse(faculty))
}

// HandleFacultyLogin handles POST /faculty/login.
func (h *Handler) HandleFacultyLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	req, ok := httputil.DecodeAndPrepare[TenantLoginRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.FacultyLogin(ctx, req.UniversityCode, req.Email, req.Password)
	if err != nil {
		h.fail(ctx, w, "faculty login failed", err, "university_code", req.UniversityCode)
		return
	}
	h.writeAuth(ctx, w, http.StatusOK, "faculty logged in", result, start)
}

// HandleFacultyComplete handles POST /faculty/complete-registration/{token}.
func (h *Handler) HandleFacultyComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	req, ok := httputil.DecodeAndPrepare[FacultyCompleteRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	result, err := h.service.CompleteFacultyRegistration(ctx, chi.URLParam(r, "token"), req.profile(), req.NewPassword)
	if err != nil {
		h.fail(ctx, w, "faculty completion rejected", err)
		return
	}
	h.writeAuth(ctx, w, http.StatusOK, "faculty registration completed", result, start)
}

// HandleFacultyCreate handles POST /faculty.
func (h *Handler) HandleFacultyCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	admin := requestcontext.Principal(ctx)
	req, ok := httputil.DecodeAndPrepare[FacultyCreateRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	invite, err := h.service.CreateFaculty(ctx, admin, req.profile())
	if err != nil {
		h.fail(ctx, w, "faculty creation rejected", err, "tenant_id", admin.TenantID)
		return
	}
	h.logger.InfoContext(ctx, "faculty created",
		"request_id", requestcontext.RequestID(ctx),
		"principal_id", invite.Faculty.ID,
		"tenant_id", admin.TenantID,
	)
	httputil.WriteJSON(w, http.StatusCreated, FacultyInviteResponse{
		Faculty:             toFacultyResponse(invite.Faculty),
		CompletionExpiresAt: formatTime(invite.CompletionExpiresAt),
	})
}

// HandleFacultyApprove handles POST /faculty/{id}/approve.
func (h *Handler) HandleFacultyApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	admin := requestcontext.Principal(ctx)
	facultyID, err := id.ParsePrincipalID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid faculty id"))
		return
	}
	faculty, err := h.service.ApproveFaculty(ctx, admin, facultyID)
	if err != nil {
		h.fail(ctx, w, "faculty approval rejected", err, "principal_id", facultyID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toFacultyResponse(faculty))
}

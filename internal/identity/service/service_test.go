package service

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	challengemodels "unigate/internal/challenge/models"
	challengeservice "unigate/internal/challenge/service"
	challengestore "unigate/internal/challenge/store"
	"unigate/internal/credential"
	identitymetrics "unigate/internal/identity/metrics"
	"unigate/internal/identity/models"
	identitystore "unigate/internal/identity/store"
	"unigate/internal/notify"
	regcodemodels "unigate/internal/regcode/models"
	regcodeservice "unigate/internal/regcode/service"
	regcodestore "unigate/internal/regcode/store"
	"unigate/internal/session"
	tenantmodels "unigate/internal/tenant/models"
	tenantservice "unigate/internal/tenant/service"
	tenantstore "unigate/internal/tenant/store/tenant"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	auditpublisher "unigate/pkg/platform/audit/publisher"
	auditmemory "unigate/pkg/platform/audit/store/memory"
	txcontext "unigate/pkg/platform/tx"
	"unigate/pkg/requestcontext"
)

const (
	superCode   = "let-me-in"
	strongPass  = "Str0ng!Pw"
	linkBaseURL = "https://portal.test/faculty/complete"
)

// recordingMailer keeps dispatched messages so tests can read OTPs and links.
type recordingMailer struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (m *recordingMailer) Dispatch(_ context.Context, msg notify.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
}

func (m *recordingMailer) last() notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

var (
	otpPattern  = regexp.MustCompile(`\b\d{6}\b`)
	linkPattern = regexp.MustCompile(`https://\S+/(\S+)`)
)

func (m *recordingMailer) lastOTP() string {
	return otpPattern.FindString(m.last().Body)
}

func (m *recordingMailer) lastLinkToken() string {
	match := linkPattern.FindStringSubmatch(m.last().Body)
	if match == nil {
		return ""
	}
	return match[1]
}

type IdentitySuite struct {
	suite.Suite
	now        time.Time
	ctx        context.Context
	tenants    *tenantservice.TenantService
	tenantDB   *tenantstore.InMemory
	students   *identitystore.StudentMemory
	faculty    *identitystore.FacultyMemory
	admins     *identitystore.AdminMemory
	challenges *challengestore.InMemory
	codes      *regcodeservice.Service
	issuer     *session.Issuer
	audit      *auditmemory.InMemoryStore
	mailer     *recordingMailer
	metrics    *identitymetrics.Metrics
	forcedOTPs []string
	service    *Service
}

func TestIdentitySuite(t *testing.T) {
	suite.Run(t, new(IdentitySuite))
}

func (s *IdentitySuite) SetupTest() {
	s.now = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.ctx = requestcontext.WithClientMetadata(s.ctx, "10.0.0.1", "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0")

	s.tenantDB = tenantstore.NewInMemory()
	s.students = identitystore.NewStudentMemory()
	s.faculty = identitystore.NewFacultyMemory()
	s.admins = identitystore.NewAdminMemory()
	s.challenges = challengestore.NewInMemory()
	codeStore := regcodestore.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.mailer = &recordingMailer{}
	s.metrics = identitymetrics.New(prometheus.NewRegistry())
	s.forcedOTPs = nil

	tx := txcontext.NewInMemory()
	publisher := auditpublisher.NewPublisher(s.audit)

	s.tenants = tenantservice.NewTenantService(s.tenantDB, tenantservice.WithTx(tx), tenantservice.WithAuditPublisher(publisher))
	s.codes = regcodeservice.New(codeStore, regcodeservice.WithTx(tx))
	challenges := challengeservice.New(s.challenges, challengeservice.WithCodeGenerator(func(p challengemodels.Purpose) (string, error) {
		if len(s.forcedOTPs) > 0 && !p.UsesToken() {
			next := s.forcedOTPs[0]
			s.forcedOTPs = s.forcedOTPs[1:]
			return next, nil
		}
		return challengeservice.GenerateCode(p)
	}))

	var err error
	s.issuer, err = session.NewIssuer("test-signing-key", "unigate-test", nil)
	s.Require().NoError(err)
	hasher, err := credential.NewHasher(credential.MinCost)
	s.Require().NoError(err)

	s.service, err = New(Deps{
		Admins:     s.admins,
		Faculty:    s.faculty,
		Students:   s.students,
		Tenants:    s.tenants,
		Challenges: challenges,
		Codes:      s.codes,
		Sessions:   s.issuer,
		Hasher:     hasher,
	},
		WithTx(tx),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(publisher),
		WithMetrics(s.metrics),
		WithMailer(s.mailer),
		WithSuperAdminCode(superCode),
		WithRegistrationLinkBaseURL(linkBaseURL),
	)
	s.Require().NoError(err)
}

func (s *IdentitySuite) at(d time.Duration) context.Context {
	return requestcontext.WithTime(s.ctx, s.now.Add(d))
}

func (s *IdentitySuite) seedTenant(code string) *tenantmodels.Tenant {
	t, err := tenantmodels.NewTenant(id.NewTenantID(), code, "Example University", s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.tenantDB.CreateIfCodeAvailable(s.ctx, t))
	return t
}

func (s *IdentitySuite) studentProfile(email string) models.StudentProfile {
	return models.StudentProfile{Email: email, Name: "Ada Lovelace", RegisterNumber: "REG-" + email[:1], Division: "A", ClassYear: "2025", Semester: 2}
}

// activeStudent registers a student through to activation.
func (s *IdentitySuite) activeStudent(tenant *tenantmodels.Tenant, email string) id.PrincipalID {
	started, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile(email), "")
	s.Require().NoError(err)
	_, err = s.service.VerifyStudentEmailOtp(s.ctx, started.StudentID, s.mailer.lastOTP())
	s.Require().NoError(err)
	_, err = s.service.CompleteStudentRegistration(s.ctx, started.StudentID, strongPass)
	s.Require().NoError(err)
	return started.StudentID
}

func (s *IdentitySuite) TestNewRequiresDependencies() {
	_, err := New(Deps{})
	s.Error(err)

	deps := s.service.Deps
	_, err = New(deps)
	s.ErrorContains(err, "super admin code")
}

func (s *IdentitySuite) TestStudentExampleScenario() {
	tenant := s.seedTenant("UNIV-001")
	s.forcedOTPs = []string{"482913"}

	started, err := s.service.BeginStudentRegistration(s.ctx, "univ-001", s.studentProfile("a@x.edu"), "")
	s.Require().NoError(err)
	s.Equal(tenant.ID, started.TenantID)
	s.False(started.Resumed)
	s.Equal("482913", s.mailer.lastOTP())

	_, err = s.service.VerifyStudentEmailOtp(s.ctx, started.StudentID, "111111")
	s.True(dErrors.HasCode(err, dErrors.CodeMismatch))

	student, err := s.service.VerifyStudentEmailOtp(s.ctx, started.StudentID, "482913")
	s.Require().NoError(err)
	s.Equal(models.StudentStateOTPVerified, student.State)
	s.Equal(models.StatusPending, student.Status())

	_, err = s.service.CompleteStudentRegistration(s.ctx, started.StudentID, "Weak1")
	s.Require().True(dErrors.HasCode(err, dErrors.CodePolicy))
	de, _ := dErrors.As(err)
	s.Contains(de.Violations, string(credential.ViolationSymbol))

	result, err := s.service.CompleteStudentRegistration(s.ctx, started.StudentID, strongPass)
	s.Require().NoError(err)
	s.Equal(id.RoleStudent, result.Subject.Role)
	s.Equal(session.PathStudentRegistration, result.Token.Path)
	s.Equal(s.now.Add(24*time.Hour), result.Token.ExpiresAt)

	claims, err := s.issuer.Verify(result.Token.Value)
	s.Require().NoError(err)
	s.Equal("student", claims.Role)
	s.Equal(tenant.ID.String(), claims.TenantID)

	stored, err := s.students.FindByID(s.ctx, started.StudentID)
	s.Require().NoError(err)
	s.Equal(models.StudentStateActive, stored.State)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Activations.WithLabelValues("student")))
}

func (s *IdentitySuite) TestStudentResumeIsIdempotent() {
	tenant := s.seedTenant("UNIV-002")

	first, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("b@x.edu"), "")
	s.Require().NoError(err)
	firstOTP := s.mailer.lastOTP()

	profile := s.studentProfile("B@x.edu")
	profile.Name = "Updated Name"
	second, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, profile, "")
	s.Require().NoError(err)
	s.True(second.Resumed)
	s.Equal(first.StudentID, second.StudentID)
	secondOTP := s.mailer.lastOTP()

	stored, err := s.students.FindByID(s.ctx, first.StudentID)
	s.Require().NoError(err)
	s.Equal("Updated Name", stored.Name)

	if firstOTP != secondOTP {
		_, err = s.service.VerifyStudentEmailOtp(s.ctx, first.StudentID, firstOTP)
		s.True(dErrors.HasCode(err, dErrors.CodeMismatch), "superseded OTP must not verify")
	}
	_, err = s.service.VerifyStudentEmailOtp(s.ctx, first.StudentID, secondOTP)
	s.NoError(err)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Resumes))
}

func (s *IdentitySuite) TestStudentAlreadyActiveGetsNoChallenge() {
	tenant := s.seedTenant("UNIV-003")
	s.activeStudent(tenant, "c@x.edu")
	sent := len(s.mailer.sent)

	_, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("c@x.edu"), "")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Len(s.mailer.sent, sent, "no OTP is mailed for an active student")
}

func (s *IdentitySuite) TestStudentCompleteRequiresVerification() {
	tenant := s.seedTenant("UNIV-004")
	started, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("d@x.edu"), "")
	s.Require().NoError(err)

	_, err = s.service.CompleteStudentRegistration(s.ctx, started.StudentID, strongPass)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationRequired))
}

func (s *IdentitySuite) TestStudentOtpExpiryBoundary() {
	tenant := s.seedTenant("UNIV-005")
	started, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("e@x.edu"), "")
	s.Require().NoError(err)
	otp := s.mailer.lastOTP()

	_, err = s.service.VerifyStudentEmailOtp(s.at(10*time.Minute+time.Second), started.StudentID, otp)
	s.True(dErrors.HasCode(err, dErrors.CodeExpired))

	started, err = s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("e@x.edu"), "")
	s.Require().NoError(err)
	_, err = s.service.VerifyStudentEmailOtp(s.at(10*time.Minute-time.Second), started.StudentID, s.mailer.lastOTP())
	s.NoError(err)
}

func (s *IdentitySuite) TestInactiveTenantRejectsRegistration() {
	tenant := s.seedTenant("UNIV-006")
	_, err := s.tenants.DeactivateTenant(s.ctx, tenant.UniversityCode)
	s.Require().NoError(err)

	_, err = s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("f@x.edu"), "")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = s.service.BeginStudentRegistration(s.ctx, "NOPE-0000", s.studentProfile("f@x.edu"), "")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *IdentitySuite) TestStudentRegistrationCodeConsumedAtCompletion() {
	tenant := s.seedTenant("UNIV-007")
	codes, err := s.codes.Generate(s.ctx, tenant.ID, id.NewPrincipalID(), regcodemodels.CodeTypeStudent, 1, 0)
	s.Require().NoError(err)
	code := codes[0].Code

	started, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("g@x.edu"), code)
	s.Require().NoError(err)
	got, err := s.codes.Get(s.ctx, tenant.ID, code)
	s.Require().NoError(err)
	s.False(got.Used, "validated at begin, not consumed")

	_, err = s.service.VerifyStudentEmailOtp(s.ctx, started.StudentID, s.mailer.lastOTP())
	s.Require().NoError(err)
	_, err = s.service.CompleteStudentRegistration(s.ctx, started.StudentID, strongPass)
	s.Require().NoError(err)

	got, err = s.codes.Get(s.ctx, tenant.ID, code)
	s.Require().NoError(err)
	s.True(got.Used)
	s.Equal(started.StudentID, got.UsedBy)

	_, err = s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("h@x.edu"), code)
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))
}

func (s *IdentitySuite) TestStudentCompletionRollsBackWhenCodeTaken() {
	tenant := s.seedTenant("UNIV-008")
	codes, err := s.codes.Generate(s.ctx, tenant.ID, id.NewPrincipalID(), regcodemodels.CodeTypeStudent, 1, 0)
	s.Require().NoError(err)
	code := codes[0].Code

	started, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("i@x.edu"), code)
	s.Require().NoError(err)
	_, err = s.service.VerifyStudentEmailOtp(s.ctx, started.StudentID, s.mailer.lastOTP())
	s.Require().NoError(err)

	s.Require().NoError(s.codes.Consume(s.ctx, code, id.NewPrincipalID()))

	_, err = s.service.CompleteStudentRegistration(s.ctx, started.StudentID, strongPass)
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))

	stored, err := s.students.FindByID(s.ctx, started.StudentID)
	s.Require().NoError(err)
	s.Equal(models.StudentStateOTPVerified, stored.State, "activation rolled back")
	_, err = s.challenges.Find(s.ctx, started.StudentID.String(), challengemodels.PurposeEmailVerify)
	s.NoError(err, "challenge consumption rolled back")
}

func (s *IdentitySuite) TestConcurrentRegistrationsSameEmail() {
	tenant := s.seedTenant("UNIV-009")
	var (
		wg  sync.WaitGroup
		ids sync.Map
		ok  atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("race@x.edu"), "")
			if err == nil {
				ok.Add(1)
				ids.Store(started.StudentID, true)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(10), ok.Load(), "pending registrations resume")
	count := 0
	ids.Range(func(_, _ any) bool { count++; return true })
	s.Equal(1, count, "every attempt resolves to one record")
}

func (s *IdentitySuite) TestStudentLogins() {
	tenant := s.seedTenant("UNIV-010")
	studentID := s.activeStudent(tenant, "j@x.edu")

	s.Run("password", func() {
		result, err := s.service.StudentLogin(s.ctx, tenant.UniversityCode, "J@x.edu", strongPass)
		s.Require().NoError(err)
		s.Equal(studentID, result.Subject.ID)
		s.Equal(s.now.Add(7*24*time.Hour), result.Token.ExpiresAt)

		_, err = s.service.StudentLogin(s.ctx, tenant.UniversityCode, "j@x.edu", "Wr0ng!pass")
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		_, err = s.service.StudentLogin(s.ctx, tenant.UniversityCode, "nobody@x.edu", strongPass)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("login otp", func() {
		sent, err := s.service.RequestStudentLoginOtp(s.ctx, tenant.UniversityCode, "j@x.edu")
		s.Require().NoError(err)
		s.Equal(s.now.Add(5*time.Minute), sent.ExpiresAt)
		otp := s.mailer.lastOTP()

		result, err := s.service.StudentLoginWithOtp(s.ctx, tenant.UniversityCode, "j@x.edu", otp)
		s.Require().NoError(err)
		s.Equal(session.PathStudentOTP, result.Token.Path)

		_, err = s.service.StudentLoginWithOtp(s.ctx, tenant.UniversityCode, "j@x.edu", otp)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "login OTP is single use")
	})

	s.Run("pending student cannot log in", func() {
		_, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("k@x.edu"), "")
		s.Require().NoError(err)
		_, err = s.service.RequestStudentLoginOtp(s.ctx, tenant.UniversityCode, "k@x.edu")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	events, err := s.audit.ListByPrincipal(s.ctx, studentID)
	s.Require().NoError(err)
	var devices []string
	for _, e := range events {
		if e.Action == string(audit.EventLoginSucceeded) {
			devices = append(devices, e.Device)
		}
	}
	s.Require().NotEmpty(devices)
	s.Contains(devices[0], "Firefox")
}

func (s *IdentitySuite) TestStudentPasswordReset() {
	tenant := s.seedTenant("UNIV-011")
	s.activeStudent(tenant, "l@x.edu")
	const newPass = "N3w!Passw0rd"

	err := s.service.ResetStudentPassword(s.ctx, tenant.UniversityCode, "l@x.edu", newPass)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationRequired))

	_, err = s.service.RequestStudentPasswordReset(s.ctx, tenant.UniversityCode, "l@x.edu")
	s.Require().NoError(err)
	s.Require().NoError(s.service.VerifyStudentResetOtp(s.ctx, tenant.UniversityCode, "l@x.edu", s.mailer.lastOTP()))

	err = s.service.ResetStudentPassword(s.ctx, tenant.UniversityCode, "l@x.edu", "short")
	s.True(dErrors.HasCode(err, dErrors.CodePolicy))

	s.Require().NoError(s.service.ResetStudentPassword(s.ctx, tenant.UniversityCode, "l@x.edu", newPass))
	_, err = s.service.StudentLogin(s.ctx, tenant.UniversityCode, "l@x.edu", newPass)
	s.NoError(err)

	err = s.service.ResetStudentPassword(s.ctx, tenant.UniversityCode, "l@x.edu", newPass)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationRequired), "reset challenge is consumed")
}

func (s *IdentitySuite) TestAdminSignupAndLogin() {
	_, err := s.service.GenerateAdminOtp(s.ctx, "root@x.edu", "Root", "Example University", "wrong")
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	sent, err := s.service.GenerateAdminOtp(s.ctx, "Root@X.edu", "Root", "Example University", superCode)
	s.Require().NoError(err)
	s.Equal("root@x.edu", sent.Email)
	otp := s.mailer.lastOTP()

	_, err = s.service.VerifyAdminOtp(s.ctx, "root@x.edu", otp, "weak")
	s.True(dErrors.HasCode(err, dErrors.CodePolicy))

	result, err := s.service.VerifyAdminOtp(s.ctx, "root@x.edu", otp, strongPass)
	s.Require().NoError(err)
	s.Equal(id.RoleAdmin, result.Subject.Role)
	s.Regexp(`^EU-\d{4}$`, result.UniversityCode)
	s.Equal(session.PathAdminSignup, result.Token.Path)

	tenant, err := s.tenants.ResolveTenant(s.ctx, result.UniversityCode)
	s.Require().NoError(err)
	s.Equal(result.Subject.TenantID, tenant.ID)
	s.Equal("Example University", tenant.Name)

	_, err = s.service.GenerateAdminOtp(s.ctx, "root@x.edu", "Root", "Other", superCode)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	_, err = s.service.VerifyAdminOtp(s.ctx, "root@x.edu", otp, strongPass)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "signup challenge is consumed")

	login, err := s.service.AdminLogin(s.ctx, "root@x.edu", strongPass)
	s.Require().NoError(err)
	s.Equal(result.Subject.ID, login.Subject.ID)
	s.Equal(session.PathAdminPassword, login.Token.Path)

	_, err = s.service.AdminLogin(s.ctx, "root@x.edu", "Wr0ng!pass")
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *IdentitySuite) TestFacultyAdminCreatedFlow() {
	tenant := s.seedTenant("UNIV-012")
	admin := requestcontext.AuthenticatedPrincipal{ID: id.NewPrincipalID(), Role: id.RoleAdmin, TenantID: tenant.ID}

	invite, err := s.service.CreateFaculty(s.ctx, admin, models.FacultyProfile{Email: "prof@x.edu", Name: "Prof", EmployeeID: "E-1"})
	s.Require().NoError(err)
	s.Equal(models.FacultyStateAwaitingCompletion, invite.Faculty.State)
	s.Equal(models.StatusActive, invite.Faculty.Status())
	s.False(invite.Faculty.RegistrationCompleted())
	s.Equal(s.now.Add(72*time.Hour), invite.CompletionExpiresAt)

	msg := s.mailer.last()
	s.Equal(notify.KindFacultyInvite, msg.Kind)
	temporary := regexp.MustCompile(`Temporary password: (\S+)`).FindStringSubmatch(msg.Body)[1]
	token := s.mailer.lastLinkToken()
	s.True(strings.HasPrefix(token, invite.Faculty.ID.String()+"."))

	login, err := s.service.FacultyLogin(s.ctx, tenant.UniversityCode, "prof@x.edu", temporary)
	s.Require().NoError(err)
	s.True(login.Subject.RequiresRegistration)

	_, err = s.service.CompleteFacultyRegistration(s.ctx, invite.Faculty.ID.String()+".bogus", models.FacultyProfile{}, "")
	s.True(dErrors.HasCode(err, dErrors.CodeMismatch))

	result, err := s.service.CompleteFacultyRegistration(s.ctx, token, models.FacultyProfile{Department: "Physics"}, strongPass)
	s.Require().NoError(err)
	s.Equal(session.PathFacultyCompletion, result.Token.Path)

	stored, err := s.faculty.FindByID(s.ctx, invite.Faculty.ID)
	s.Require().NoError(err)
	s.Equal(models.FacultyStateActive, stored.State)
	s.Equal("Physics", stored.Department)

	login, err = s.service.FacultyLogin(s.ctx, tenant.UniversityCode, "prof@x.edu", strongPass)
	s.Require().NoError(err)
	s.False(login.Subject.RequiresRegistration)

	_, err = s.service.CompleteFacultyRegistration(s.ctx, token, models.FacultyProfile{}, "")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "completion link is single use")
}

func (s *IdentitySuite) TestFacultyCompletionLinkExpires() {
	tenant := s.seedTenant("UNIV-013")
	admin := requestcontext.AuthenticatedPrincipal{ID: id.NewPrincipalID(), Role: id.RoleAdmin, TenantID: tenant.ID}
	_, err := s.service.CreateFaculty(s.ctx, admin, models.FacultyProfile{Email: "late@x.edu", Name: "Late", EmployeeID: "E-2"})
	s.Require().NoError(err)

	_, err = s.service.CompleteFacultyRegistration(s.at(72*time.Hour+time.Second), s.mailer.lastLinkToken(), models.FacultyProfile{}, "")
	s.True(dErrors.HasCode(err, dErrors.CodeExpired))
}

func (s *IdentitySuite) TestFacultySelfServiceFlow() {
	tenant := s.seedTenant("UNIV-014")
	adminID := id.NewPrincipalID()
	codes, err := s.codes.Generate(s.ctx, tenant.ID, adminID, regcodemodels.CodeTypeFaculty, 1, 0)
	s.Require().NoError(err)
	profile := models.FacultyProfile{Email: "self@x.edu", Name: "Self", EmployeeID: "E-3"}

	_, err = s.service.RegisterFaculty(s.ctx, tenant.UniversityCode, "FAC-NOTREAL", profile, strongPass)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	faculty, err := s.service.RegisterFaculty(s.ctx, tenant.UniversityCode, codes[0].Code, profile, strongPass)
	s.Require().NoError(err)
	s.Equal(models.FacultyStatePendingApproval, faculty.State)
	s.Equal(models.StatusPending, faculty.Status())

	other := models.FacultyProfile{Email: "other@x.edu", Name: "Other", EmployeeID: "E-4"}
	_, err = s.service.RegisterFaculty(s.ctx, tenant.UniversityCode, codes[0].Code, other, strongPass)
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))

	login, err := s.service.FacultyLogin(s.ctx, tenant.UniversityCode, "self@x.edu", strongPass)
	s.Require().NoError(err)
	s.True(login.Subject.RequiresRegistration)

	foreignAdmin := requestcontext.AuthenticatedPrincipal{ID: id.NewPrincipalID(), Role: id.RoleAdmin, TenantID: id.NewTenantID()}
	_, err = s.service.ApproveFaculty(s.ctx, foreignAdmin, faculty.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	admin := requestcontext.AuthenticatedPrincipal{ID: adminID, Role: id.RoleAdmin, TenantID: tenant.ID}
	approved, err := s.service.ApproveFaculty(s.ctx, admin, faculty.ID)
	s.Require().NoError(err)
	s.Equal(models.FacultyStateActive, approved.State)

	_, err = s.service.ApproveFaculty(s.ctx, admin, faculty.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *IdentitySuite) TestFacultyDuplicateEmailRollsBackCode() {
	tenant := s.seedTenant("UNIV-015")
	admin := requestcontext.AuthenticatedPrincipal{ID: id.NewPrincipalID(), Role: id.RoleAdmin, TenantID: tenant.ID}
	_, err := s.service.CreateFaculty(s.ctx, admin, models.FacultyProfile{Email: "dup@x.edu", Name: "Dup", EmployeeID: "E-5"})
	s.Require().NoError(err)

	codes, err := s.codes.Generate(s.ctx, tenant.ID, admin.ID, regcodemodels.CodeTypeFaculty, 1, 0)
	s.Require().NoError(err)
	_, err = s.service.RegisterFaculty(s.ctx, tenant.UniversityCode, codes[0].Code,
		models.FacultyProfile{Email: "DUP@x.edu", Name: "Dup", EmployeeID: "E-6"}, strongPass)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeConflict))
	de, _ := dErrors.As(err)
	s.Equal("email already registered", de.Message)

	code, err := s.codes.Get(s.ctx, tenant.ID, codes[0].Code)
	s.Require().NoError(err)
	s.False(code.Used)
}

func (s *IdentitySuite) TestFailedTransactionKeepsOtpIssuedMeanwhile() {
	tenant := s.seedTenant("UNIV-016")
	s.activeStudent(tenant, "k@x.edu")

	err := s.service.tx.RunInTx(s.ctx, func(txCtx context.Context) error {
		_, err := s.service.RequestStudentLoginOtp(s.ctx, tenant.UniversityCode, "k@x.edu")
		s.Require().NoError(err)
		return dErrors.New(dErrors.CodeAlreadyUsed, "registration code has already been used")
	})
	s.Require().True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))

	result, err := s.service.StudentLoginWithOtp(s.ctx, tenant.UniversityCode, "k@x.edu", s.mailer.lastOTP())
	s.Require().NoError(err)
	s.Equal(session.PathStudentOTP, result.Token.Path)
}

func (s *IdentitySuite) TestOverlongPasswordIsPolicyViolation() {
	tenant := s.seedTenant("UNIV-017")
	started, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("l@x.edu"), "")
	s.Require().NoError(err)
	_, err = s.service.VerifyStudentEmailOtp(s.ctx, started.StudentID, s.mailer.lastOTP())
	s.Require().NoError(err)

	_, err = s.service.CompleteStudentRegistration(s.ctx, started.StudentID, strongPass+strings.Repeat("x", 80))
	s.Require().True(dErrors.HasCode(err, dErrors.CodePolicy), "got %v", err)
	de, _ := dErrors.As(err)
	s.Equal([]string{string(credential.ViolationMaxLength)}, de.Violations)
}

// resumingChallenges resumes the registration right after the OTP verifies,
// as a concurrent begin request would.
type resumingChallenges struct {
	Challenges
	resume func()
}

func (r *resumingChallenges) Verify(ctx context.Context, subjectKey string, purpose challengemodels.Purpose, code string) (*challengemodels.Challenge, error) {
	c, err := r.Challenges.Verify(ctx, subjectKey, purpose, code)
	if r.resume != nil {
		r.resume()
		r.resume = nil
	}
	return c, err
}

func (s *IdentitySuite) TestVerifyOtpDoesNotOverwriteConcurrentResume() {
	tenant := s.seedTenant("UNIV-018")
	started, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, s.studentProfile("m@x.edu"), "")
	s.Require().NoError(err)
	firstOTP := s.mailer.lastOTP()

	resumed := s.studentProfile("m@x.edu")
	resumed.Name = "Resumed Name"
	deps := s.service.Deps
	deps.Challenges = &resumingChallenges{Challenges: s.service.Challenges, resume: func() {
		_, err := s.service.BeginStudentRegistration(s.ctx, tenant.UniversityCode, resumed, "")
		s.Require().NoError(err)
	}}
	racing, err := New(deps, WithTx(s.service.tx), WithMailer(s.mailer), WithSuperAdminCode(superCode))
	s.Require().NoError(err)

	_, err = racing.VerifyStudentEmailOtp(s.ctx, started.StudentID, firstOTP)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationRequired), "got %v", err)

	stored, err := s.students.FindByID(s.ctx, started.StudentID)
	s.Require().NoError(err)
	s.Equal("Resumed Name", stored.Name)
	s.Equal(models.StudentStatePending, stored.State)

	_, err = s.service.VerifyStudentEmailOtp(s.ctx, started.StudentID, s.mailer.lastOTP())
	s.NoError(err)
}

func (s *IdentitySuite) TestInactiveTenantBlocksFacultyOnboarding() {
	tenant := s.seedTenant("UNIV-019")
	admin := requestcontext.AuthenticatedPrincipal{ID: id.NewPrincipalID(), Role: id.RoleAdmin, TenantID: tenant.ID}
	codes, err := s.codes.Generate(s.ctx, tenant.ID, admin.ID, regcodemodels.CodeTypeFaculty, 1, 0)
	s.Require().NoError(err)
	pending, err := s.service.RegisterFaculty(s.ctx, tenant.UniversityCode, codes[0].Code,
		models.FacultyProfile{Email: "wait@x.edu", Name: "Wait", EmployeeID: "E-7"}, strongPass)
	s.Require().NoError(err)

	_, err = s.tenants.DeactivateTenant(s.ctx, tenant.UniversityCode)
	s.Require().NoError(err)

	_, err = s.service.CreateFaculty(s.ctx, admin, models.FacultyProfile{Email: "new@x.edu", Name: "New", EmployeeID: "E-8"})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
	_, err = s.faculty.FindByEmail(s.ctx, tenant.ID, "new@x.edu")
	s.Error(err)

	_, err = s.service.ApproveFaculty(s.ctx, admin, pending.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
	stored, err := s.faculty.FindByID(s.ctx, pending.ID)
	s.Require().NoError(err)
	s.Equal(models.FacultyStatePendingApproval, stored.State)
}

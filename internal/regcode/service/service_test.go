package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	regcodemetrics "unigate/internal/regcode/metrics"
	"unigate/internal/regcode/models"
	regcodestore "unigate/internal/regcode/store"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	auditpublisher "unigate/pkg/platform/audit/publisher"
	auditmemory "unigate/pkg/platform/audit/store/memory"
	txcontext "unigate/pkg/platform/tx"
	"unigate/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	now     time.Time
	ctx     context.Context
	tenant  id.TenantID
	admin   id.PrincipalID
	store   *regcodestore.InMemory
	audit   *auditmemory.InMemoryStore
	metrics *regcodemetrics.Metrics
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	s.tenant = id.NewTenantID()
	s.admin = id.NewPrincipalID()
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.ctx = requestcontext.WithPrincipal(s.ctx, requestcontext.AuthenticatedPrincipal{
		ID: s.admin, Role: id.RoleAdmin, TenantID: s.tenant,
	})
	s.store = regcodestore.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.metrics = regcodemetrics.New(prometheus.NewRegistry())
	s.service = s.newService()
}

func (s *ServiceSuite) newService(opts ...Option) *Service {
	base := []Option{
		WithAuditPublisher(auditpublisher.NewPublisher(s.audit)),
		WithMetrics(s.metrics),
		WithTx(txcontext.NewInMemory()),
	}
	return New(s.store, append(base, opts...)...)
}

func (s *ServiceSuite) generateOne(codeType models.CodeType) *models.RegistrationCode {
	codes, err := s.service.Generate(s.ctx, s.tenant, s.admin, codeType, 1, 0)
	s.Require().NoError(err)
	s.Require().Len(codes, 1)
	return codes[0]
}

func (s *ServiceSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(s.ctx, t)
}

func (s *ServiceSuite) TestGenerate() {
	s.Run("prefixes codes by type", func() {
		codes, err := s.service.Generate(s.ctx, s.tenant, s.admin, models.CodeTypeStudent, 5, 0)
		s.Require().NoError(err)
		s.Len(codes, 5)
		for _, c := range codes {
			s.Regexp(`^STU-[A-HJKMNP-Z2-9]{8}$`, c.Code)
			s.True(c.IsActive)
			s.False(c.Used)
			s.Equal(s.now.Add(DefaultValidFor), c.ExpiresAt)
			s.Equal(s.admin, c.CreatedBy)
		}
		s.Equal(5.0, promtest.ToFloat64(s.metrics.Generated.WithLabelValues("student")))

		faculty := s.generateOne(models.CodeTypeFaculty)
		s.Regexp(`^FAC-`, faculty.Code)
	})

	s.Run("rejects out of range count", func() {
		for _, n := range []int{0, MaxBatch + 1} {
			_, err := s.service.Generate(s.ctx, s.tenant, s.admin, models.CodeTypeStudent, n, 0)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), "count %d", n)
		}
	})

	s.Run("rejects unknown type and excessive validity", func() {
		_, err := s.service.Generate(s.ctx, s.tenant, s.admin, models.CodeType("staff"), 1, 0)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.service.Generate(s.ctx, s.tenant, s.admin, models.CodeTypeStudent, 1, MaxValidFor+time.Hour)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("regenerates the batch on suffix collision", func() {
		seq := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
		svc := s.newService(WithSuffixGenerator(func() (string, error) {
			next := seq[0]
			seq = seq[1:]
			return next, nil
		}))

		first, err := svc.Generate(s.ctx, s.tenant, s.admin, models.CodeTypeStudent, 1, 0)
		s.Require().NoError(err)
		s.Equal("STU-AAAAAAAA", first[0].Code)

		second, err := svc.Generate(s.ctx, s.tenant, s.admin, models.CodeTypeStudent, 1, 0)
		s.Require().NoError(err)
		s.Equal("STU-BBBBBBBB", second[0].Code)
	})

	s.Run("gives up after repeated collisions", func() {
		svc := s.newService(WithSuffixGenerator(func() (string, error) { return "CCCCCCCC", nil }))
		_, err := svc.Generate(s.ctx, s.tenant, s.admin, models.CodeTypeFaculty, 1, 0)
		s.Require().NoError(err)

		_, err = svc.Generate(s.ctx, s.tenant, s.admin, models.CodeTypeFaculty, 1, 0)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestValidate() {
	s.Run("accepts an available code case-insensitively", func() {
		code := s.generateOne(models.CodeTypeStudent)
		got, err := s.service.Validate(s.ctx, " "+strings.ToLower(code.Code)+" ", models.CodeTypeStudent, s.tenant)
		s.Require().NoError(err)
		s.Equal(code.Code, got.Code)
	})

	s.Run("unknown code", func() {
		_, err := s.service.Validate(s.ctx, "STU-NOPE2345", models.CodeTypeStudent, s.tenant)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("another tenant's code is not found", func() {
		code := s.generateOne(models.CodeTypeStudent)
		_, err := s.service.Validate(s.ctx, code.Code, models.CodeTypeStudent, id.NewTenantID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("type mismatch", func() {
		code := s.generateOne(models.CodeTypeFaculty)
		_, err := s.service.Validate(s.ctx, code.Code, models.CodeTypeStudent, s.tenant)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("used code", func() {
		code := s.generateOne(models.CodeTypeStudent)
		s.Require().NoError(s.service.Consume(s.ctx, code.Code, id.NewPrincipalID()))
		_, err := s.service.Validate(s.ctx, code.Code, models.CodeTypeStudent, s.tenant)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))
	})

	s.Run("revoked code", func() {
		code := s.generateOne(models.CodeTypeStudent)
		_, err := s.service.Revoke(s.ctx, s.tenant, code.Code)
		s.Require().NoError(err)
		_, err = s.service.Validate(s.ctx, code.Code, models.CodeTypeStudent, s.tenant)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("expired code", func() {
		code := s.generateOne(models.CodeTypeStudent)
		_, err := s.service.Validate(s.at(code.ExpiresAt), code.Code, models.CodeTypeStudent, s.tenant)
		s.Require().NoError(err, "valid up to and including expiresAt")

		_, err = s.service.Validate(s.at(code.ExpiresAt.Add(time.Second)), code.Code, models.CodeTypeStudent, s.tenant)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
	})
}

func (s *ServiceSuite) TestConsume() {
	s.Run("marks the code used once", func() {
		code := s.generateOne(models.CodeTypeStudent)
		student := id.NewPrincipalID()

		s.Require().NoError(s.service.Consume(s.ctx, code.Code, student))
		got, err := s.service.Get(s.ctx, s.tenant, code.Code)
		s.Require().NoError(err)
		s.True(got.Used)
		s.Equal(student, got.UsedBy)
		s.Require().NotNil(got.UsedAt)
		s.Equal(s.now, *got.UsedAt)

		err = s.service.Consume(s.ctx, code.Code, id.NewPrincipalID())
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))
		s.Equal(1.0, promtest.ToFloat64(s.metrics.ConsumeConflicts))
	})

	s.Run("revoked code reports deactivation", func() {
		code := s.generateOne(models.CodeTypeStudent)
		_, err := s.service.Revoke(s.ctx, s.tenant, code.Code)
		s.Require().NoError(err)

		err = s.service.Consume(s.ctx, code.Code, id.NewPrincipalID())
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
	})

	s.Run("expired code reports expiry", func() {
		code := s.generateOne(models.CodeTypeStudent)
		later := requestcontext.WithTime(s.ctx, code.ExpiresAt.Add(time.Second))

		err := s.service.Consume(later, code.Code, id.NewPrincipalID())
		s.True(dErrors.HasCode(err, dErrors.CodeExpired), "got %v", err)
	})

	s.Run("unknown code", func() {
		err := s.service.Consume(s.ctx, "FAC-ZZZZZZZZ", id.NewPrincipalID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("records an audit event", func() {
		code := s.generateOne(models.CodeTypeFaculty)
		student := id.NewPrincipalID()
		s.Require().NoError(s.service.Consume(s.ctx, code.Code, student))

		events, err := s.audit.ListByPrincipal(s.ctx, student)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventCodeConsumed), events[0].Action)
		s.Equal(s.tenant, events[0].TenantID)
	})
}

func (s *ServiceSuite) TestList() {
	s.generateOne(models.CodeTypeStudent)
	s.generateOne(models.CodeTypeFaculty)
	_, err := s.service.Generate(s.ctx, id.NewTenantID(), s.admin, models.CodeTypeStudent, 3, 0)
	s.Require().NoError(err)

	all, err := s.service.List(s.ctx, s.tenant, models.Filter{})
	s.Require().NoError(err)
	s.Len(all, 2)

	students, err := s.service.List(s.ctx, s.tenant, models.Filter{Type: models.CodeTypeStudent})
	s.Require().NoError(err)
	s.Len(students, 1)

	_, err = s.service.List(s.ctx, s.tenant, models.Filter{Type: "staff"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestRevoke() {
	s.Run("used code cannot be revoked", func() {
		code := s.generateOne(models.CodeTypeStudent)
		s.Require().NoError(s.service.Consume(s.ctx, code.Code, id.NewPrincipalID()))
		_, err := s.service.Revoke(s.ctx, s.tenant, code.Code)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("other tenant cannot revoke", func() {
		code := s.generateOne(models.CodeTypeStudent)
		_, err := s.service.Revoke(s.ctx, id.NewTenantID(), code.Code)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestDelete() {
	s.Run("unused codes are deletable at any time", func() {
		code := s.generateOne(models.CodeTypeStudent)
		n, err := s.service.Delete(s.ctx, s.tenant, []string{code.Code})
		s.Require().NoError(err)
		s.Equal(1, n)

		_, err = s.service.Get(s.ctx, s.tenant, code.Code)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("used code is kept for three months", func() {
		code := s.generateOne(models.CodeTypeStudent)
		s.Require().NoError(s.service.Consume(s.ctx, code.Code, id.NewPrincipalID()))

		_, err := s.service.Delete(s.at(s.now.AddDate(0, 3, 0).Add(-time.Second)), s.tenant, []string{code.Code})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		n, err := s.service.Delete(s.at(s.now.AddDate(0, 3, 0)), s.tenant, []string{code.Code})
		s.Require().NoError(err)
		s.Equal(1, n)
	})

	s.Run("batch is all-or-nothing", func() {
		free := s.generateOne(models.CodeTypeStudent)
		used := s.generateOne(models.CodeTypeStudent)
		s.Require().NoError(s.service.Consume(s.ctx, used.Code, id.NewPrincipalID()))

		_, err := s.service.Delete(s.ctx, s.tenant, []string{free.Code, used.Code})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		_, err = s.service.Get(s.ctx, s.tenant, free.Code)
		s.Require().NoError(err, "unused code must survive a rejected batch")
	})

	s.Run("codes of other tenants are not found", func() {
		codes, err := s.service.Generate(s.ctx, id.NewTenantID(), s.admin, models.CodeTypeStudent, 1, 0)
		s.Require().NoError(err)
		_, err = s.service.Delete(s.ctx, s.tenant, []string{codes[0].Code})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("empty request", func() {
		_, err := s.service.Delete(s.ctx, s.tenant, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

package service

import (
	"context"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	challengemetrics "unigate/internal/challenge/metrics"
	"unigate/internal/challenge/models"
	"unigate/internal/challenge/store"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/requestcontext"
)

type ChallengeServiceSuite struct {
	suite.Suite
	store   *store.InMemory
	metrics *challengemetrics.Metrics
	service *Service
	issued  time.Time
	next    []string
}

func TestChallengeServiceSuite(t *testing.T) {
	suite.Run(t, new(ChallengeServiceSuite))
}

func (s *ChallengeServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.metrics = challengemetrics.New(prometheus.NewRegistry())
	s.issued = time.Date(2025, 2, 10, 8, 0, 0, 0, time.UTC)
	s.next = nil
	s.service = New(s.store,
		WithMetrics(s.metrics),
		WithCodeGenerator(func(p models.Purpose) (string, error) {
			if len(s.next) == 0 {
				return GenerateCode(p)
			}
			code := s.next[0]
			s.next = s.next[1:]
			return code, nil
		}),
	)
}

func (s *ChallengeServiceSuite) at(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.issued.Add(offset))
}

func (s *ChallengeServiceSuite) issue(subject string, code string) {
	s.next = append(s.next, code)
	_, got, err := s.service.Issue(s.at(0), subject, models.PurposeEmailVerify, 10*time.Minute, nil)
	s.Require().NoError(err)
	s.Require().Equal(code, got)
}

func (s *ChallengeServiceSuite) TestIssue() {
	s.Run("stores only the hash", func() {
		c, code, err := s.service.Issue(s.at(0), "student-1", models.PurposeLoginOTP, 5*time.Minute, nil)
		s.Require().NoError(err)
		s.NotEqual(code, c.CodeHash)
		s.Equal(models.HashCode(code), c.CodeHash)
		s.Equal(s.issued.Add(5*time.Minute), c.ExpiresAt)
		s.Equal(1.0, promtest.ToFloat64(s.metrics.Issued.WithLabelValues("login-otp")))
	})

	s.Run("rejects unknown purpose", func() {
		_, _, err := s.service.Issue(s.at(0), "student-1", models.Purpose("sms"), time.Minute, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("rejects empty subject and non-positive ttl", func() {
		_, _, err := s.service.Issue(s.at(0), "", models.PurposeLoginOTP, time.Minute, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
		_, _, err = s.service.Issue(s.at(0), "x", models.PurposeLoginOTP, 0, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("registration completion issues a token", func() {
		_, token, err := s.service.Issue(s.at(0), "faculty-1", models.PurposeRegistrationCompletion, 72*time.Hour, nil)
		s.Require().NoError(err)
		raw, err := base64.RawURLEncoding.DecodeString(token)
		s.Require().NoError(err)
		s.Len(raw, 32)
	})
}

func (s *ChallengeServiceSuite) TestVerifyOutcomes() {
	s.Run("not found", func() {
		_, err := s.service.Verify(s.at(0), "ghost", models.PurposeEmailVerify, "123456")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("mismatch keeps the challenge live", func() {
		s.issue("student-2", "123456")

		_, err := s.service.Verify(s.at(time.Minute), "student-2", models.PurposeEmailVerify, "654321")
		s.True(dErrors.HasCode(err, dErrors.CodeMismatch))

		c, err := s.service.Verify(s.at(2*time.Minute), "student-2", models.PurposeEmailVerify, "123456")
		s.Require().NoError(err)
		s.True(c.Verified)
	})

	s.Run("verification does not consume", func() {
		s.issue("student-3", "222222")
		_, err := s.service.Verify(s.at(0), "student-3", models.PurposeEmailVerify, "222222")
		s.Require().NoError(err)

		_, err = s.service.RequireVerified(s.at(time.Minute), "student-3", models.PurposeEmailVerify)
		s.NoError(err)
	})
}

func (s *ChallengeServiceSuite) TestExpiryBoundary() {
	s.Run("one second before expiry succeeds", func() {
		s.issue("student-4", "444444")
		_, err := s.service.Verify(s.at(10*time.Minute-time.Second), "student-4", models.PurposeEmailVerify, "444444")
		s.NoError(err)
	})

	s.Run("one second after expiry fails and deletes", func() {
		s.issue("student-5", "555555")
		_, err := s.service.Verify(s.at(10*time.Minute+time.Second), "student-5", models.PurposeEmailVerify, "555555")
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
		s.True(dErrors.IsExpired(err))

		_, err = s.service.Verify(s.at(0), "student-5", models.PurposeEmailVerify, "555555")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "expired challenge is removed")
	})
}

func (s *ChallengeServiceSuite) TestSupersession() {
	s.issue("student-6", "111111")
	s.issue("student-6", "222222")

	_, err := s.service.Verify(s.at(0), "student-6", models.PurposeEmailVerify, "111111")
	s.True(dErrors.HasCode(err, dErrors.CodeMismatch), "first code no longer verifies")

	_, err = s.service.Verify(s.at(0), "student-6", models.PurposeEmailVerify, "222222")
	s.NoError(err)
}

// reissuingStore supersedes the challenge right after the first Find returns,
// as a concurrent Issue would.
type reissuingStore struct {
	*store.InMemory
	replacement *models.Challenge
}

func (r *reissuingStore) Find(ctx context.Context, subjectKey string, purpose models.Purpose) (*models.Challenge, error) {
	c, err := r.InMemory.Find(ctx, subjectKey, purpose)
	if r.replacement != nil {
		_ = r.InMemory.Upsert(ctx, r.replacement)
		r.replacement = nil
	}
	return c, err
}

func (s *ChallengeServiceSuite) TestVerifyRacingReissueDoesNotApproveNewCode() {
	s.issue("student-9", "111111")
	racing := &reissuingStore{InMemory: s.store, replacement: &models.Challenge{
		SubjectKey: "student-9",
		Purpose:    models.PurposeEmailVerify,
		CodeHash:   models.HashCode("222222"),
		IssuedAt:   s.issued,
		ExpiresAt:  s.issued.Add(10 * time.Minute),
	}}
	svc := New(racing, WithMetrics(s.metrics))

	_, err := svc.Verify(s.at(0), "student-9", models.PurposeEmailVerify, "111111")
	s.True(dErrors.HasCode(err, dErrors.CodeMismatch))

	_, err = svc.RequireVerified(s.at(0), "student-9", models.PurposeEmailVerify)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationRequired), "the superseding code was never supplied")
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.Rejected.WithLabelValues("email-verify", "superseded")))
}

func (s *ChallengeServiceSuite) TestRequireVerifiedAndConsume() {
	s.Run("unverified challenge requires verification", func() {
		s.issue("student-7", "777777")
		_, err := s.service.RequireVerified(s.at(0), "student-7", models.PurposeEmailVerify)
		s.True(dErrors.HasCode(err, dErrors.CodeVerificationRequired))
	})

	s.Run("missing challenge requires verification", func() {
		_, err := s.service.RequireVerified(s.at(0), "nobody", models.PurposeEmailVerify)
		s.True(dErrors.HasCode(err, dErrors.CodeVerificationRequired))
	})

	s.Run("verified but expired is expired", func() {
		s.issue("student-8", "888888")
		_, err := s.service.Verify(s.at(0), "student-8", models.PurposeEmailVerify, "888888")
		s.Require().NoError(err)

		_, err = s.service.RequireVerified(s.at(11*time.Minute), "student-8", models.PurposeEmailVerify)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
	})

	s.Run("consume removes the challenge once", func() {
		s.issue("student-9", "999999")
		s.Require().NoError(s.service.Consume(s.at(0), "student-9", models.PurposeEmailVerify))

		err := s.service.Consume(s.at(0), "student-9", models.PurposeEmailVerify)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ChallengeServiceSuite) TestGenerateCodeRange() {
	for range 2000 {
		code, err := GenerateCode(models.PurposeLoginOTP)
		s.Require().NoError(err)
		s.Len(code, 6)
		n, err := strconv.Atoi(code)
		s.Require().NoError(err)
		s.GreaterOrEqual(n, 100000)
		s.LessOrEqual(n, 999999)
	}
}

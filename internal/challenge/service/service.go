package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	challengemetrics "unigate/internal/challenge/metrics"
	"unigate/internal/challenge/models"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/platform/sentinel"
	"unigate/pkg/requestcontext"
)

// Store persists challenges. Upsert must replace any prior challenge for
// the same (subject, purpose) atomically.
type Store interface {
	Upsert(ctx context.Context, c *models.Challenge) error
	Find(ctx context.Context, subjectKey string, purpose models.Purpose) (*models.Challenge, error)
	MarkVerified(ctx context.Context, subjectKey string, purpose models.Purpose, codeHash string) error
	Delete(ctx context.Context, subjectKey string, purpose models.Purpose) error
}

const tokenBytes = 32

var (
	otpFloor = big.NewInt(100000)
	otpSpan  = big.NewInt(900000)
)

// Service issues and verifies challenges for every role.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *challengemetrics.Metrics
	codes   func(models.Purpose) (string, error)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *challengemetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCodeGenerator replaces the random code source. Tests use it to make
// issued codes predictable.
func WithCodeGenerator(fn func(models.Purpose) (string, error)) Option {
	return func(s *Service) {
		s.codes = fn
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, codes: GenerateCode}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a challenge for (subjectKey, purpose), replacing any live one,
// and returns it with the plaintext code. The code is not retrievable later.
func (s *Service) Issue(ctx context.Context, subjectKey string, purpose models.Purpose, ttl time.Duration, metadata map[string]string) (*models.Challenge, string, error) {
	if subjectKey == "" || !purpose.IsValid() {
		return nil, "", dErrors.New(dErrors.CodeBadRequest, "invalid challenge subject or purpose")
	}
	if ttl <= 0 {
		return nil, "", dErrors.New(dErrors.CodeBadRequest, "challenge TTL must be positive")
	}

	code, err := s.codes(purpose)
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate challenge code")
	}

	now := requestcontext.Now(ctx)
	c := &models.Challenge{
		SubjectKey: subjectKey,
		Purpose:    purpose,
		CodeHash:   models.HashCode(code),
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		Metadata:   metadata,
	}
	if err := s.store.Upsert(ctx, c); err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to store challenge")
	}

	if s.metrics != nil {
		s.metrics.Issued.WithLabelValues(string(purpose)).Inc()
	}
	return c, code, nil
}

// Verify checks code against the live challenge. An expired challenge is
// deleted; a mismatch leaves it live for another attempt. Success marks the
// challenge verified without consuming it.
func (s *Service) Verify(ctx context.Context, subjectKey string, purpose models.Purpose, code string) (*models.Challenge, error) {
	c, err := s.store.Find(ctx, subjectKey, purpose)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.reject(purpose, "not_found")
			return nil, dErrors.New(dErrors.CodeNotFound, noChallengeMessage(purpose))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load challenge")
	}

	if c.IsExpired(requestcontext.Now(ctx)) {
		if err := s.store.Delete(ctx, subjectKey, purpose); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			s.warn(ctx, "failed to delete expired challenge", purpose, err)
		}
		s.reject(purpose, "expired")
		return nil, dErrors.New(dErrors.CodeExpired, expiredMessage(purpose))
	}

	if !c.Matches(code) {
		s.reject(purpose, "mismatch")
		return nil, dErrors.New(dErrors.CodeMismatch, mismatchMessage(purpose))
	}

	if !c.Verified {
		if err := s.store.MarkVerified(ctx, subjectKey, purpose, c.CodeHash); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				// superseded or consumed since it was read
				s.reject(purpose, "superseded")
				return nil, dErrors.New(dErrors.CodeMismatch, mismatchMessage(purpose))
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to mark challenge verified")
		}
		c.Verified = true
	}
	if s.metrics != nil {
		s.metrics.Verified.WithLabelValues(string(purpose)).Inc()
	}
	return c, nil
}

// RequireVerified succeeds only when a live, unexpired, verified challenge exists.
func (s *Service) RequireVerified(ctx context.Context, subjectKey string, purpose models.Purpose) (*models.Challenge, error) {
	c, err := s.store.Find(ctx, subjectKey, purpose)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeVerificationRequired, "verification required")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load challenge")
	}
	if c.IsExpired(requestcontext.Now(ctx)) {
		return nil, dErrors.New(dErrors.CodeExpired, expiredMessage(purpose))
	}
	if !c.Verified {
		return nil, dErrors.New(dErrors.CodeVerificationRequired, "verification required")
	}
	return c, nil
}

// Consume deletes the challenge. Call it inside the transaction of the
// transition it gates.
func (s *Service) Consume(ctx context.Context, subjectKey string, purpose models.Purpose) error {
	if err := s.store.Delete(ctx, subjectKey, purpose); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, noChallengeMessage(purpose))
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume challenge")
	}
	return nil
}

// GenerateCode draws a six-digit OTP uniformly from [100000, 999999], or a
// 32-byte base64url token for link-based purposes.
func GenerateCode(purpose models.Purpose) (string, error) {
	if purpose.UsesToken() {
		buf := make([]byte, tokenBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(buf), nil
	}
	n, err := rand.Int(rand.Reader, otpSpan)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Add(n, otpFloor).Int64()), nil
}

func (s *Service) reject(purpose models.Purpose, outcome string) {
	if s.metrics != nil {
		s.metrics.Rejected.WithLabelValues(string(purpose), outcome).Inc()
	}
}

func (s *Service) warn(ctx context.Context, msg string, purpose models.Purpose, err error) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg,
			"purpose", purpose,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
}

func noChallengeMessage(purpose models.Purpose) string {
	if purpose.UsesToken() {
		return "invalid or used registration link"
	}
	return "no OTP found, request a new one"
}

func expiredMessage(purpose models.Purpose) string {
	if purpose.UsesToken() {
		return "registration link has expired"
	}
	return "OTP has expired, request a new one"
}

func mismatchMessage(purpose models.Purpose) string {
	if purpose.UsesToken() {
		return "invalid registration link"
	}
	return "invalid OTP"
}

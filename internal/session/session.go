// Package session mints and verifies the signed tokens returned by every
// successful login or registration.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"unigate/internal/platform/config"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/requestcontext"
)

// LoginPath identifies how a session was obtained. Each path has its own TTL.
type LoginPath string

const (
	PathAdminSignup         LoginPath = "admin_signup"
	PathAdminPassword       LoginPath = "admin_password"
	PathStudentRegistration LoginPath = "student_registration"
	PathStudentPassword     LoginPath = "student_password"
	PathStudentOTP          LoginPath = "student_otp"
	PathFacultyPassword     LoginPath = "faculty_password"
	PathFacultyCompletion   LoginPath = "faculty_completion"
)

// TTLPolicy maps login paths to session lifetimes.
type TTLPolicy map[LoginPath]time.Duration

// DefaultTTLPolicy is used when no configuration overrides it.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		PathAdminSignup:         24 * time.Hour,
		PathAdminPassword:       24 * time.Hour,
		PathStudentRegistration: 24 * time.Hour,
		PathStudentPassword:     7 * 24 * time.Hour,
		PathStudentOTP:          7 * 24 * time.Hour,
		PathFacultyPassword:     7 * 24 * time.Hour,
		PathFacultyCompletion:   24 * time.Hour,
	}
}

// PolicyFromConfig builds the TTL policy from SESSION_TTL_* settings.
func PolicyFromConfig(cfg config.SessionConfig) TTLPolicy {
	return TTLPolicy{
		PathAdminSignup:         cfg.AdminSignupTTL,
		PathAdminPassword:       cfg.AdminPasswordTTL,
		PathStudentRegistration: cfg.StudentRegistrationTTL,
		PathStudentPassword:     cfg.StudentPasswordTTL,
		PathStudentOTP:          cfg.StudentOTPTTL,
		PathFacultyPassword:     cfg.FacultyPasswordTTL,
		PathFacultyCompletion:   cfg.FacultyCompletionTTL,
	}
}

// Subject is who a token is minted for.
type Subject struct {
	ID                   id.PrincipalID
	Role                 id.Role
	TenantID             id.TenantID
	RequiresRegistration bool
}

// Claims is the JWT body.
type Claims struct {
	ID                   string `json:"id"`
	Role                 string `json:"role"`
	TenantID             string `json:"tenantId"`
	RequiresRegistration bool   `json:"requiresRegistration,omitempty"`
	jwt.RegisteredClaims
}

// Token is a minted session.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Path      LoginPath
}

// Issuer signs HS256 session tokens.
type Issuer struct {
	signingKey []byte
	issuer     string
	policy     TTLPolicy
}

func NewIssuer(signingKey, issuer string, policy TTLPolicy) (*Issuer, error) {
	if signingKey == "" {
		return nil, errors.New("session signing key is required")
	}
	merged := DefaultTTLPolicy()
	for path, ttl := range policy {
		if ttl > 0 {
			merged[path] = ttl
		}
	}
	return &Issuer{signingKey: []byte(signingKey), issuer: issuer, policy: merged}, nil
}

// Issue mints a token for subject, valid from now for the TTL of path.
func (i *Issuer) Issue(subject Subject, path LoginPath, now time.Time) (*Token, error) {
	ttl, ok := i.policy[path]
	if !ok {
		return nil, dErrors.New(dErrors.CodeInternal, fmt.Sprintf("no session TTL for login path %q", path))
	}
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:                   subject.ID.String(),
		Role:                 string(subject.Role),
		TenantID:             subject.TenantID.String(),
		RequiresRegistration: subject.RequiresRegistration,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    i.issuer,
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign session token")
	}
	return &Token{Value: signed, ExpiresAt: expiresAt, Path: path}, nil
}

// Verify parses and checks a token. Expired tokens get a distinct message so
// clients can prompt a fresh login.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return i.signingKey, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, dErrors.TokenExpiredMessage)
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	return claims, nil
}

// ValidateToken adapts Verify to the auth middleware.
func (i *Issuer) ValidateToken(tokenString string) (requestcontext.AuthenticatedPrincipal, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return requestcontext.AuthenticatedPrincipal{}, err
	}
	principalID, err := id.ParsePrincipalID(claims.ID)
	if err != nil {
		return requestcontext.AuthenticatedPrincipal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	tenantID, err := id.ParseTenantID(claims.TenantID)
	if err != nil {
		return requestcontext.AuthenticatedPrincipal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	role := id.Role(claims.Role)
	if !role.IsValid() {
		return requestcontext.AuthenticatedPrincipal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return requestcontext.AuthenticatedPrincipal{
		ID:                   principalID,
		Role:                 role,
		TenantID:             tenantID,
		RequiresRegistration: claims.RequiresRegistration,
	}, nil
}

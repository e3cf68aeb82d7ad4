package models

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Purpose scopes a challenge. A subject holds at most one live challenge per purpose.
type Purpose string

const (
	PurposeEmailVerify            Purpose = "email-verify"
	PurposeLoginOTP               Purpose = "login-otp"
	PurposePasswordReset          Purpose = "password-reset"
	PurposeRegistrationCompletion Purpose = "registration-completion"
)

func (p Purpose) IsValid() bool {
	switch p {
	case PurposeEmailVerify, PurposeLoginOTP, PurposePasswordReset, PurposeRegistrationCompletion:
		return true
	}
	return false
}

// UsesToken reports whether the purpose is answered with a long opaque token
// rather than a six-digit OTP.
func (p Purpose) UsesToken() bool {
	return p == PurposeRegistrationCompletion
}

// Challenge is a pending proof-of-possession. Only the SHA-256 of the code is
// kept; the plaintext leaves the service once, in the outbound message.
type Challenge struct {
	SubjectKey string
	Purpose    Purpose
	CodeHash   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Verified   bool
	// Metadata carries in-progress signup fields keyed by name.
	Metadata map[string]string
}

// IsExpired is strict: a challenge checked exactly at ExpiresAt is still live.
func (c *Challenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Matches compares code against the stored hash in constant time.
func (c *Challenge) Matches(code string) bool {
	candidate := HashCode(code)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(c.CodeHash)) == 1
}

// Clone returns a deep copy so stores never share metadata maps with callers.
func (c *Challenge) Clone() *Challenge {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// SignupSubject is the subject key for an admin signup before the admin exists.
func SignupSubject(email string) string {
	return "signup:" + email
}

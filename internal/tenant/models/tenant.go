package models

import (
	"strings"
	"time"
	"unicode"

	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
)

// Tenant is a university namespace. Faculty and student lookups are scoped by
// its UniversityCode.
//
// Invariants:
//   - UniversityCode is non-empty and unique case-insensitively
//   - Name is non-empty and at most 128 characters
//   - Status transitions: active <-> inactive only
//
// An inactive tenant rejects every registration and login for its principals;
// sessions already issued stay valid until expiry.
type Tenant struct {
	ID             id.TenantID  `json:"id"`
	UniversityCode string       `json:"university_code"`
	Name           string       `json:"name"`
	Status         TenantStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type TenantStatus string

const (
	TenantStatusActive   TenantStatus = "active"
	TenantStatusInactive TenantStatus = "inactive"
)

func (s TenantStatus) IsValid() bool {
	return s == TenantStatusActive || s == TenantStatusInactive
}

// CanTransitionTo allows only active <-> inactive flips.
func (s TenantStatus) CanTransitionTo(target TenantStatus) bool {
	return s.IsValid() && target.IsValid() && s != target
}

func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// CanDeactivate checks the transition for use inside Execute callbacks.
func (t *Tenant) CanDeactivate() error {
	if !t.Status.CanTransitionTo(TenantStatusInactive) {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant is already inactive")
	}
	return nil
}

func (t *Tenant) ApplyDeactivation(now time.Time) {
	t.Status = TenantStatusInactive
	t.UpdatedAt = now
}

func (t *Tenant) CanReactivate() error {
	if !t.Status.CanTransitionTo(TenantStatusActive) {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant is already active")
	}
	return nil
}

func (t *Tenant) ApplyReactivation(now time.Time) {
	t.Status = TenantStatusActive
	t.UpdatedAt = now
}

func NewTenant(tenantID id.TenantID, universityCode, name string, now time.Time) (*Tenant, error) {
	if universityCode == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "university code cannot be empty")
	}
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant name cannot be empty")
	}
	if len(name) > 128 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant name must be 128 characters or less")
	}
	return &Tenant{
		ID:             tenantID,
		UniversityCode: universityCode,
		Name:           name,
		Status:         TenantStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CodePrefix derives the letter part of a university code: the initials of a
// multi-word name, or the first four letters of a single word.
// "Stanford University" -> "SU", "Oxford" -> "OXFO".
func CodePrefix(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var b strings.Builder
	if len(words) >= 2 {
		for _, w := range words {
			if b.Len() == 6 {
				break
			}
			writeASCIIAlnum(&b, []rune(w)[:1])
		}
	} else if len(words) == 1 {
		runes := []rune(words[0])
		writeASCIIAlnum(&b, runes[:min(4, len(runes))])
	}

	if b.Len() < 2 {
		return "UNI"
	}
	return b.String()
}

func writeASCIIAlnum(b *strings.Builder, runes []rune) {
	for _, r := range runes {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
}

// NormalizeCode canonicalizes a university code for lookups.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

package domain

import (
	"github.com/google/uuid"

	dErrors "unigate/pkg/domain-errors"
)

// Typed identifiers keep tenant and principal ids from being swapped at call sites.
type (
	TenantID    uuid.UUID
	PrincipalID uuid.UUID
)

func (t TenantID) String() string    { return uuid.UUID(t).String() }
func (p PrincipalID) String() string { return uuid.UUID(p).String() }

func (t TenantID) IsNil() bool    { return uuid.UUID(t) == uuid.Nil }
func (p PrincipalID) IsNil() bool { return uuid.UUID(p) == uuid.Nil }

func NewTenantID() TenantID       { return TenantID(uuid.New()) }
func NewPrincipalID() PrincipalID { return PrincipalID(uuid.New()) }

// ParseTenantID parses a non-nil UUID string.
func ParseTenantID(s string) (TenantID, error) {
	u, err := parseUUID(s, "tenant id")
	return TenantID(u), err
}

// ParsePrincipalID parses a non-nil UUID string.
func ParsePrincipalID(s string) (PrincipalID, error) {
	u, err := parseUUID(s, "principal id")
	return PrincipalID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	return u, nil
}

// MarshalText lets typed ids serialize as plain UUID strings in JSON.
func (t TenantID) MarshalText() ([]byte, error)    { return uuid.UUID(t).MarshalText() }
func (p PrincipalID) MarshalText() ([]byte, error) { return uuid.UUID(p).MarshalText() }

func (t *TenantID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(t).UnmarshalText(b)
}

func (p *PrincipalID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(p).UnmarshalText(b)
}

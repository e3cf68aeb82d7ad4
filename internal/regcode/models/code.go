package models

import (
	"strings"
	"time"

	id "unigate/pkg/domain"
)

// CodeType scopes a registration code to one onboarding path.
type CodeType string

const (
	CodeTypeFaculty CodeType = "faculty"
	CodeTypeStudent CodeType = "student"
)

func (t CodeType) IsValid() bool {
	return t == CodeTypeFaculty || t == CodeTypeStudent
}

// Prefix is the human-readable code prefix for the type.
func (t CodeType) Prefix() string {
	if t == CodeTypeFaculty {
		return "FAC"
	}
	return "STU"
}

// RetentionAfterUse is how long a used code must be kept before deletion.
const RetentionAfterUse = 3

// RegistrationCode is a one-time onboarding credential issued by a tenant admin.
//
// Invariants:
//   - Used flips false -> true exactly once; UsedBy and UsedAt are set together with it
//   - a used code is deletable only from UsedAt + RetentionAfterUse months
type RegistrationCode struct {
	Code      string
	Type      CodeType
	TenantID  id.TenantID
	Used      bool
	UsedBy    id.PrincipalID
	UsedAt    *time.Time
	ExpiresAt time.Time
	IsActive  bool
	CreatedBy id.PrincipalID
	CreatedAt time.Time
}

func (c *RegistrationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// DeletableAt returns the earliest time the code may be deleted. Unused codes
// are deletable immediately.
func (c *RegistrationCode) DeletableAt() time.Time {
	if !c.Used || c.UsedAt == nil {
		return time.Time{}
	}
	return c.UsedAt.AddDate(0, RetentionAfterUse, 0)
}

func (c *RegistrationCode) CanDelete(now time.Time) bool {
	return !now.Before(c.DeletableAt())
}

// Status is the derived display state used by listings.
func (c *RegistrationCode) Status(now time.Time) string {
	switch {
	case c.Used:
		return "used"
	case !c.IsActive:
		return "revoked"
	case c.IsExpired(now):
		return "expired"
	default:
		return "available"
	}
}

// NormalizeCode canonicalizes user-entered codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Filter narrows a listing.
type Filter struct {
	Type CodeType
	// Used filters by consumption when non-nil.
	Used  *bool
	Limit int
}

package audit

import (
	"context"
	"time"

	id "unigate/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose so stores
// can apply different retention.
type EventCategory string

const (
	// CategoryCompliance covers account and tenant lifecycle changes.
	CategoryCompliance EventCategory = "compliance"
	// CategorySecurity covers authentication failures and credential changes.
	CategorySecurity EventCategory = "security"
	// CategoryOperations covers routine activity such as token issuance.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category    EventCategory
	Timestamp   time.Time
	PrincipalID id.PrincipalID
	TenantID    id.TenantID
	Role        id.Role
	Action      string
	Reason      string
	Email       string
	RequestID   string
	// ActorID is set when an admin acts on another principal.
	ActorID string
	// Device is a display label derived from the User-Agent on login events.
	Device string
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByPrincipal(ctx context.Context, principalID id.PrincipalID) ([]Event, error)
}

type AuditEvent string

const (
	// Tenant events
	EventTenantCreated     AuditEvent = "tenant_created"
	EventTenantDeactivated AuditEvent = "tenant_deactivated"
	EventTenantReactivated AuditEvent = "tenant_reactivated"

	// Registration events
	EventAdminRegistered          AuditEvent = "admin_registered"
	EventStudentRegistrationBegun AuditEvent = "student_registration_begun"
	EventStudentEmailVerified     AuditEvent = "student_email_verified"
	EventStudentActivated         AuditEvent = "student_activated"
	EventFacultyCreated           AuditEvent = "faculty_created"
	EventFacultyRegistered        AuditEvent = "faculty_registered"
	EventFacultyApproved          AuditEvent = "faculty_approved"
	EventFacultyCompleted         AuditEvent = "faculty_registration_completed"

	// Credential events
	EventLoginSucceeded       AuditEvent = "login_succeeded"
	EventLoginFailed          AuditEvent = "login_failed"
	EventPasswordResetRequest AuditEvent = "password_reset_requested"
	EventPasswordReset        AuditEvent = "password_reset"

	// Registration code events
	EventCodesGenerated AuditEvent = "registration_codes_generated"
	EventCodeConsumed   AuditEvent = "registration_code_consumed"
	EventCodeRevoked    AuditEvent = "registration_code_revoked"
	EventCodesDeleted   AuditEvent = "registration_codes_deleted"

	// Notification events
	EventMailDispatchFailed AuditEvent = "mail_dispatch_failed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventTenantCreated:            CategoryCompliance,
	EventAdminRegistered:          CategoryCompliance,
	EventStudentActivated:         CategoryCompliance,
	EventFacultyCreated:           CategoryCompliance,
	EventFacultyRegistered:        CategoryCompliance,
	EventFacultyApproved:          CategoryCompliance,
	EventFacultyCompleted:         CategoryCompliance,
	EventCodesDeleted:             CategoryCompliance,
	EventTenantDeactivated:        CategorySecurity,
	EventLoginFailed:              CategorySecurity,
	EventPasswordResetRequest:     CategorySecurity,
	EventPasswordReset:            CategorySecurity,
	EventCodeRevoked:              CategorySecurity,
	EventTenantReactivated:        CategoryOperations,
	EventStudentRegistrationBegun: CategoryOperations,
	EventStudentEmailVerified:     CategoryOperations,
	EventLoginSucceeded:           CategoryOperations,
	EventCodesGenerated:           CategoryOperations,
	EventCodeConsumed:             CategoryOperations,
	EventMailDispatchFailed:       CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/email"
	"unigate/pkg/platform/sentinel"
)

// Wire-level status shared by every role.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusInactive = "inactive"
)

type AdminState string

const AdminStateActive AdminState = "active"

// Admin owns exactly one tenant, created together with it at signup.
type Admin struct {
	ID           id.PrincipalID
	TenantID     id.TenantID
	Email        string
	Name         string
	PasswordHash string
	State        AdminState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FacultyState replaces the pending/registrationCompleted flag pair.
//
//	pending_approval     self-registered, waiting for an admin
//	awaiting_completion  admin-created, profile not yet completed
//	active               fully registered
//	inactive             disabled
type FacultyState string

const (
	FacultyStatePendingApproval    FacultyState = "pending_approval"
	FacultyStateAwaitingCompletion FacultyState = "awaiting_completion"
	FacultyStateActive             FacultyState = "active"
	FacultyStateInactive           FacultyState = "inactive"
)

type Faculty struct {
	ID           id.PrincipalID
	TenantID     id.TenantID
	Email        string
	Name         string
	EmployeeID   string
	Department   string
	Phone        string
	PasswordHash string
	State        FacultyState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (f *Faculty) Status() string {
	switch f.State {
	case FacultyStatePendingApproval:
		return StatusPending
	case FacultyStateInactive:
		return StatusInactive
	default:
		return StatusActive
	}
}

func (f *Faculty) RegistrationCompleted() bool {
	return f.State == FacultyStateActive
}

// RequiresRegistration marks logins that get a restricted session.
func (f *Faculty) RequiresRegistration() bool {
	return f.State == FacultyStatePendingApproval || f.State == FacultyStateAwaitingCompletion
}

func (f *Faculty) Approve(now time.Time) error {
	if f.State != FacultyStatePendingApproval {
		return dErrors.New(dErrors.CodeConflict, "faculty is not pending approval")
	}
	f.State = FacultyStateActive
	f.UpdatedAt = now
	return nil
}

// Complete applies the completion profile. An empty passwordHash keeps the
// temporary password.
func (f *Faculty) Complete(profile FacultyProfile, passwordHash string, now time.Time) error {
	if f.State != FacultyStateAwaitingCompletion {
		return dErrors.New(dErrors.CodeConflict, "faculty registration is already complete")
	}
	if profile.Name != "" {
		f.Name = profile.Name
	}
	if profile.Department != "" {
		f.Department = profile.Department
	}
	if profile.Phone != "" {
		f.Phone = profile.Phone
	}
	if passwordHash != "" {
		f.PasswordHash = passwordHash
	}
	f.State = FacultyStateActive
	f.UpdatedAt = now
	return nil
}

// StudentState replaces the otpVerified/isVerified/status flags.
type StudentState string

const (
	StudentStatePending     StudentState = "pending"
	StudentStateOTPVerified StudentState = "otp_verified"
	StudentStateActive      StudentState = "active"
	StudentStateInactive    StudentState = "inactive"
)

type Student struct {
	ID             id.PrincipalID
	TenantID       id.TenantID
	Email          string
	Name           string
	RegisterNumber string
	Division       string
	ClassYear      string
	Semester       int
	// RegistrationCode is validated at begin and consumed at completion.
	RegistrationCode string
	PasswordHash     string
	State            StudentState
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s *Student) Status() string {
	switch s.State {
	case StudentStateActive:
		return StatusActive
	case StudentStateInactive:
		return StatusInactive
	default:
		return StatusPending
	}
}

func (s *Student) Verified() bool {
	return s.State == StudentStateOTPVerified || s.State == StudentStateActive
}

// IsResumable reports whether a new registration attempt may reuse the record.
func (s *Student) IsResumable() bool {
	return s.State == StudentStatePending || s.State == StudentStateOTPVerified
}

// Resume refreshes the mutable profile and resets the record to pending.
func (s *Student) Resume(profile StudentProfile, registrationCode string, now time.Time) error {
	if !s.IsResumable() {
		return dErrors.New(dErrors.CodeConflict, "student is already registered")
	}
	s.Name = profile.Name
	s.RegisterNumber = profile.RegisterNumber
	s.Division = profile.Division
	s.ClassYear = profile.ClassYear
	s.Semester = profile.Semester
	s.RegistrationCode = registrationCode
	s.State = StudentStatePending
	s.UpdatedAt = now
	return nil
}

func (s *Student) MarkOTPVerified(now time.Time) error {
	switch s.State {
	case StudentStatePending:
		s.State = StudentStateOTPVerified
		s.UpdatedAt = now
		return nil
	case StudentStateOTPVerified:
		return nil
	default:
		return dErrors.New(dErrors.CodeConflict, "student is already registered")
	}
}

func (s *Student) Activate(passwordHash string, now time.Time) error {
	switch s.State {
	case StudentStateOTPVerified:
	case StudentStatePending:
		return dErrors.New(dErrors.CodeVerificationRequired, "verify your email before setting a password")
	default:
		return dErrors.New(dErrors.CodeConflict, "student is already registered")
	}
	s.PasswordHash = passwordHash
	s.State = StudentStateActive
	s.UpdatedAt = now
	return nil
}

// StudentProfile is the self-reported data captured at registration.
type StudentProfile struct {
	Email          string
	Name           string
	RegisterNumber string
	Division       string
	ClassYear      string
	Semester       int
}

func (p *StudentProfile) Normalize() {
	p.Email = email.Normalize(p.Email)
	p.Name = strings.TrimSpace(p.Name)
	p.RegisterNumber = strings.TrimSpace(p.RegisterNumber)
	p.Division = strings.TrimSpace(p.Division)
	p.ClassYear = strings.TrimSpace(p.ClassYear)
}

func (p StudentProfile) Validate() error {
	if !email.IsValid(p.Email) {
		return dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	if p.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if p.RegisterNumber == "" {
		return dErrors.New(dErrors.CodeValidation, "register number is required")
	}
	if p.Semester < 0 || p.Semester > 12 {
		return dErrors.New(dErrors.CodeValidation, "semester out of range")
	}
	return nil
}

type FacultyProfile struct {
	Email      string
	Name       string
	EmployeeID string
	Department string
	Phone      string
}

func (p *FacultyProfile) Normalize() {
	p.Email = email.Normalize(p.Email)
	p.Name = strings.TrimSpace(p.Name)
	p.EmployeeID = strings.TrimSpace(p.EmployeeID)
	p.Department = strings.TrimSpace(p.Department)
	p.Phone = strings.TrimSpace(p.Phone)
}

func (p FacultyProfile) Validate() error {
	if !email.IsValid(p.Email) {
		return dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	if p.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if p.EmployeeID == "" {
		return dErrors.New(dErrors.CodeValidation, "employee id is required")
	}
	return nil
}

// UniqueField names the identity attribute a duplicate write collided on.
type UniqueField string

const (
	FieldEmail          UniqueField = "email"
	FieldEmployeeID     UniqueField = "employee id"
	FieldRegisterNumber UniqueField = "register number"
)

// DuplicateError is returned by stores when a unique index rejects a write.
type DuplicateError struct {
	Field UniqueField
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s", e.Field)
}

func (e *DuplicateError) Unwrap() error {
	return sentinel.ErrConflict
}

func NewDuplicate(field UniqueField) error {
	return &DuplicateError{Field: field}
}

// DuplicateField extracts the collided field from a store error.
func DuplicateField(err error) (UniqueField, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.Field, true
	}
	return "", false
}

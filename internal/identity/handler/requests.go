package handler

import (
	"strings"

	"unigate/internal/identity/models"
	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/email"
)

func required(value, field string) error {
	if value == "" {
		return dErrors.New(dErrors.CodeValidation, field+" is required")
	}
	return nil
}

func validEmail(addr string) error {
	if !email.IsValid(addr) {
		return dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type AdminGenerateOtpRequest struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	TenantName     string `json:"tenantName"`
	SuperAdminCode string `json:"superAdminCode"`
}

func (r *AdminGenerateOtpRequest) Normalize() {
	r.Email = email.Normalize(r.Email)
	r.Name = strings.TrimSpace(r.Name)
	r.TenantName = strings.TrimSpace(r.TenantName)
}

func (r *AdminGenerateOtpRequest) Validate() error {
	return firstErr(validEmail(r.Email), required(r.TenantName, "tenantName"), required(r.SuperAdminCode, "superAdminCode"))
}

type AdminVerifyOtpRequest struct {
	Email    string `json:"email"`
	OTP      string `json:"otp"`
	Password string `json:"password"`
}

func (r *AdminVerifyOtpRequest) Normalize() {
	r.Email = email.Normalize(r.Email)
	r.OTP = strings.TrimSpace(r.OTP)
}

func (r *AdminVerifyOtpRequest) Validate() error {
	return firstErr(validEmail(r.Email), required(r.OTP, "otp"), required(r.Password, "password"))
}

type AdminLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *AdminLoginRequest) Normalize() { r.Email = email.Normalize(r.Email) }

func (r *AdminLoginRequest) Validate() error {
	return firstErr(validEmail(r.Email), required(r.Password, "password"))
}

// StudentBeginRequest starts or resumes a student registration.
type StudentBeginRequest struct {
	UniversityCode   string `json:"universityCode"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	RegisterNumber   string `json:"registerNumber"`
	Division         string `json:"division,omitempty"`
	ClassYear        string `json:"classYear,omitempty"`
	Semester         int    `json:"semester,omitempty"`
	RegistrationCode string `json:"registrationCode,omitempty"`
}

func (r *StudentBeginRequest) profile() models.StudentProfile {
	return models.StudentProfile{
		Email:          r.Email,
		Name:           r.Name,
		RegisterNumber: r.RegisterNumber,
		Division:       r.Division,
		ClassYear:      r.ClassYear,
		Semester:       r.Semester,
	}
}

func (r *StudentBeginRequest) Normalize() {
	p := r.profile()
	p.Normalize()
	r.Email, r.Name, r.RegisterNumber, r.Division, r.ClassYear = p.Email, p.Name, p.RegisterNumber, p.Division, p.ClassYear
	r.UniversityCode = strings.TrimSpace(r.UniversityCode)
	r.RegistrationCode = strings.TrimSpace(r.RegistrationCode)
}

func (r *StudentBeginRequest) Validate() error {
	if err := required(r.UniversityCode, "universityCode"); err != nil {
		return err
	}
	return r.profile().Validate()
}

type StudentVerifyOtpRequest struct {
	StudentID string `json:"studentId"`
	OTP       string `json:"otp"`

	studentID id.PrincipalID
}

func (r *StudentVerifyOtpRequest) Normalize() { r.OTP = strings.TrimSpace(r.OTP) }

func (r *StudentVerifyOtpRequest) Validate() error {
	parsed, err := id.ParsePrincipalID(r.StudentID)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "studentId must be a valid id")
	}
	r.studentID = parsed
	return required(r.OTP, "otp")
}

type StudentCompleteRequest struct {
	StudentID string `json:"studentId"`
	Password  string `json:"password"`

	studentID id.PrincipalID
}

func (r *StudentCompleteRequest) Validate() error {
	parsed, err := id.ParsePrincipalID(r.StudentID)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "studentId must be a valid id")
	}
	r.studentID = parsed
	return required(r.Password, "password")
}

// TenantEmailRequest addresses a principal by university code and email.
// It is the body of request-login-otp and request-password-reset.
type TenantEmailRequest struct {
	UniversityCode string `json:"universityCode"`
	Email          string `json:"email"`
}

func (r *TenantEmailRequest) Normalize() {
	r.UniversityCode = strings.TrimSpace(r.UniversityCode)
	r.Email = email.Normalize(r.Email)
}

func (r *TenantEmailRequest) Validate() error {
	return firstErr(required(r.UniversityCode, "universityCode"), validEmail(r.Email))
}

type TenantLoginRequest struct {
	UniversityCode string `json:"universityCode"`
	Email          string `json:"email"`
	Password       string `json:"password"`
}

func (r *TenantLoginRequest) Normalize() {
	r.UniversityCode = strings.TrimSpace(r.UniversityCode)
	r.Email = email.Normalize(r.Email)
}

func (r *TenantLoginRequest) Validate() error {
	return firstErr(required(r.UniversityCode, "universityCode"), validEmail(r.Email), required(r.Password, "password"))
}

type TenantOtpRequest struct {
	UniversityCode string `json:"universityCode"`
	Email          string `json:"email"`
	OTP            string `json:"otp"`
}

func (r *TenantOtpRequest) Normalize() {
	r.UniversityCode = strings.TrimSpace(r.UniversityCode)
	r.Email = email.Normalize(r.Email)
	r.OTP = strings.TrimSpace(r.OTP)
}

func (r *TenantOtpRequest) Validate() error {
	return firstErr(required(r.UniversityCode, "universityCode"), validEmail(r.Email), required(r.OTP, "otp"))
}

type FacultyCreateRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	EmployeeID string `json:"employeeId"`
	Department string `json:"department,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

func (r *FacultyCreateRequest) profile() models.FacultyProfile {
	return models.FacultyProfile{Email: r.Email, Name: r.Name, EmployeeID: r.EmployeeID, Department: r.Department, Phone: r.Phone}
}

func (r *FacultyCreateRequest) Normalize() {
	p := r.profile()
	p.Normalize()
	r.Email, r.Name, r.EmployeeID, r.Department, r.Phone = p.Email, p.Name, p.EmployeeID, p.Department, p.Phone
}

func (r *FacultyCreateRequest) Validate() error { return r.profile().Validate() }

type FacultyRegisterRequest struct {
	FacultyCreateRequest
	UniversityCode   string `json:"universityCode"`
	RegistrationCode string `json:"registrationCode"`
	Password         string `json:"password"`
}

func (r *FacultyRegisterRequest) Normalize() {
	r.FacultyCreateRequest.Normalize()
	r.UniversityCode = strings.TrimSpace(r.UniversityCode)
	r.RegistrationCode = strings.TrimSpace(r.RegistrationCode)
}

func (r *FacultyRegisterRequest) Validate() error {
	return firstErr(
		required(r.UniversityCode, "universityCode"),
		required(r.RegistrationCode, "registrationCode"),
		r.FacultyCreateRequest.Validate(),
		required(r.Password, "password"),
	)
}

// FacultyCompleteRequest carries optional profile updates. Empty fields keep
// the values set at creation.
type FacultyCompleteRequest struct {
	Name        string `json:"name,omitempty"`
	EmployeeID  string `json:"employeeId,omitempty"`
	Department  string `json:"department,omitempty"`
	Phone       string `json:"phone,omitempty"`
	NewPassword string `json:"newPassword,omitempty"`
}

func (r *FacultyCompleteRequest) Validate() error { return nil }

func (r *FacultyCompleteRequest) profile() models.FacultyProfile {
	return models.FacultyProfile{Name: r.Name, EmployeeID: r.EmployeeID, Department: r.Department, Phone: r.Phone}
}

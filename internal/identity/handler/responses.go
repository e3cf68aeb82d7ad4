package handler

import (
	"time"

	"unigate/internal/identity/models"
	"unigate/internal/identity/service"
)

type UserResponse struct {
	ID                   string `json:"id"`
	Role                 string `json:"role"`
	TenantID             string `json:"tenantId"`
	Email                string `json:"email"`
	Name                 string `json:"name"`
	UniversityCode       string `json:"universityCode,omitempty"`
	RequiresRegistration bool   `json:"requiresRegistration"`
}

type AuthResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expiresAt"`
	User      UserResponse `json:"user"`
}

type ChallengeResponse struct {
	Message   string `json:"message"`
	Email     string `json:"email"`
	ExpiresAt string `json:"expiresAt"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type SessionResponse struct {
	ID                   string `json:"id"`
	Role                 string `json:"role"`
	TenantID             string `json:"tenantId"`
	RequiresRegistration bool   `json:"requiresRegistration"`
	IssuedAt             string `json:"issuedAt,omitempty"`
	ExpiresAt            string `json:"expiresAt,omitempty"`
}

type RegistrationStartedResponse struct {
	StudentID      string `json:"studentId"`
	TenantID       string `json:"tenantId"`
	UniversityCode string `json:"universityCode"`
	Email          string `json:"email"`
	OTPExpiresAt   string `json:"otpExpiresAt"`
	Resumed        bool   `json:"resumed"`
}

type StudentResponse struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenantId"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	RegisterNumber string `json:"registerNumber"`
	Division       string `json:"division,omitempty"`
	ClassYear      string `json:"classYear,omitempty"`
	Semester       int    `json:"semester,omitempty"`
	Status         string `json:"status"`
	Verified       bool   `json:"verified"`
}

type FacultyResponse struct {
	ID                    string `json:"id"`
	TenantID              string `json:"tenantId"`
	Email                 string `json:"email"`
	Name                  string `json:"name"`
	EmployeeID            string `json:"employeeId"`
	Department            string `json:"department,omitempty"`
	Phone                 string `json:"phone,omitempty"`
	Status                string `json:"status"`
	RegistrationCompleted bool   `json:"registrationCompleted"`
}

type FacultyInviteResponse struct {
	Faculty             FacultyResponse `json:"faculty"`
	CompletionExpiresAt string          `json:"completionExpiresAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toAuthResponse(result *service.AuthResult) AuthResponse {
	return AuthResponse{
		Token:     result.Token.Value,
		ExpiresAt: formatTime(result.Token.ExpiresAt),
		User: UserResponse{
			ID:                   result.Subject.ID.String(),
			Role:                 string(result.Subject.Role),
			TenantID:             result.Subject.TenantID.String(),
			Email:                result.Email,
			Name:                 result.Name,
			UniversityCode:       result.UniversityCode,
			RequiresRegistration: result.Subject.RequiresRegistration,
		},
	}
}

func toStudentResponse(s *models.Student) StudentResponse {
	return StudentResponse{
		ID:             s.ID.String(),
		TenantID:       s.TenantID.String(),
		Email:          s.Email,
		Name:           s.Name,
		RegisterNumber: s.RegisterNumber,
		Division:       s.Division,
		ClassYear:      s.ClassYear,
		Semester:       s.Semester,
		Status:         s.Status(),
		Verified:       s.Verified(),
	}
}

func toFacultyResponse(f *models.Faculty) FacultyResponse {
	return FacultyResponse{
		ID:                    f.ID.String(),
		TenantID:              f.TenantID.String(),
		Email:                 f.Email,
		Name:                  f.Name,
		EmployeeID:            f.EmployeeID,
		Department:            f.Department,
		Phone:                 f.Phone,
		Status:                f.Status(),
		RegistrationCompleted: f.RegistrationCompleted(),
	}
}

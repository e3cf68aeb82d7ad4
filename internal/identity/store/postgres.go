package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"unigate/internal/identity/models"
	"unigate/internal/platform/postgres"
	id "unigate/pkg/domain"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

// Unique index names from schema.sql, mapped to the field they protect.
var uniqueIndexFields = map[string]models.UniqueField{
	"admins_email_key":             models.FieldEmail,
	"faculty_tenant_email_key":     models.FieldEmail,
	"faculty_tenant_employee_key":  models.FieldEmployeeID,
	"students_tenant_email_key":    models.FieldEmail,
	"students_tenant_register_key": models.FieldRegisterNumber,
}

func translateWriteErr(err error, op string) error {
	if postgres.IsUniqueViolation(err) {
		if field, ok := uniqueIndexFields[postgres.ConstraintName(err)]; ok {
			return models.NewDuplicate(field)
		}
		return fmt.Errorf("%s: %w", op, sentinel.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func checkAffected(res sql.Result, what string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, sentinel.ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// AdminPostgres persists admins; email uniqueness is global.
type AdminPostgres struct {
	db *sql.DB
}

func NewAdminPostgres(db *sql.DB) *AdminPostgres {
	return &AdminPostgres{db: db}
}

const adminColumns = `id, tenant_id, email, name, password_hash, state, created_at, updated_at`

func (s *AdminPostgres) Create(ctx context.Context, a *models.Admin) error {
	query := `INSERT INTO admins (` + adminColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(a.ID), uuid.UUID(a.TenantID), a.Email, a.Name, a.PasswordHash, string(a.State), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return translateWriteErr(err, "insert admin")
	}
	return nil
}

func (s *AdminPostgres) FindByID(ctx context.Context, adminID id.PrincipalID) (*models.Admin, error) {
	return s.findOne(ctx, `SELECT `+adminColumns+` FROM admins WHERE id = $1`, uuid.UUID(adminID))
}

func (s *AdminPostgres) FindByEmail(ctx context.Context, email string) (*models.Admin, error) {
	return s.findOne(ctx, `SELECT `+adminColumns+` FROM admins WHERE lower(email) = lower($1)`, email)
}

func (s *AdminPostgres) findOne(ctx context.Context, query string, args ...any) (*models.Admin, error) {
	var (
		a                 models.Admin
		adminID, tenantID uuid.UUID
		state             string
	)
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, args...).Scan(
		&adminID, &tenantID, &a.Email, &a.Name, &a.PasswordHash, &state, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("admin: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find admin: %w", err)
	}
	a.ID = id.PrincipalID(adminID)
	a.TenantID = id.TenantID(tenantID)
	a.State = models.AdminState(state)
	return &a, nil
}

// FacultyPostgres persists faculty. The employee id index is partial and
// ignores pending_approval rows.
type FacultyPostgres struct {
	db *sql.DB
}

func NewFacultyPostgres(db *sql.DB) *FacultyPostgres {
	return &FacultyPostgres{db: db}
}

const facultyColumns = `id, tenant_id, email, name, employee_id, department, phone, password_hash, state, created_at, updated_at`

func (s *FacultyPostgres) Create(ctx context.Context, f *models.Faculty) error {
	query := `INSERT INTO faculty (` + facultyColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(f.ID), uuid.UUID(f.TenantID), f.Email, f.Name, f.EmployeeID, f.Department, f.Phone,
		nullString(f.PasswordHash), string(f.State), f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return translateWriteErr(err, "insert faculty")
	}
	return nil
}

func (s *FacultyPostgres) Update(ctx context.Context, f *models.Faculty) error {
	query := `
		UPDATE faculty
		SET email = $2, name = $3, employee_id = $4, department = $5, phone = $6,
			password_hash = $7, state = $8, updated_at = $9
		WHERE id = $1
	`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(f.ID), f.Email, f.Name, f.EmployeeID, f.Department, f.Phone,
		nullString(f.PasswordHash), string(f.State), f.UpdatedAt)
	if err != nil {
		return translateWriteErr(err, "update faculty")
	}
	return checkAffected(res, "faculty "+f.ID.String())
}

func (s *FacultyPostgres) FindByID(ctx context.Context, facultyID id.PrincipalID) (*models.Faculty, error) {
	return s.findOne(ctx, `SELECT `+facultyColumns+` FROM faculty WHERE id = $1`, uuid.UUID(facultyID))
}

func (s *FacultyPostgres) FindByEmail(ctx context.Context, tenantID id.TenantID, email string) (*models.Faculty, error) {
	return s.findOne(ctx, `SELECT `+facultyColumns+` FROM faculty WHERE tenant_id = $1 AND lower(email) = lower($2)`,
		uuid.UUID(tenantID), email)
}

func (s *FacultyPostgres) findOne(ctx context.Context, query string, args ...any) (*models.Faculty, error) {
	f, err := scanFaculty(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("faculty: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find faculty: %w", err)
	}
	return f, nil
}

func scanFaculty(row rowScanner) (*models.Faculty, error) {
	var (
		f                   models.Faculty
		facultyID, tenantID uuid.UUID
		hash                sql.NullString
		state               string
	)
	if err := row.Scan(&facultyID, &tenantID, &f.Email, &f.Name, &f.EmployeeID, &f.Department, &f.Phone,
		&hash, &state, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.ID = id.PrincipalID(facultyID)
	f.TenantID = id.TenantID(tenantID)
	f.PasswordHash = hash.String
	f.State = models.FacultyState(state)
	return &f, nil
}

// StudentPostgres persists students. The register number index is partial
// and ignores pending rows, so abandoned registrations never block.
type StudentPostgres struct {
	db *sql.DB
}

func NewStudentPostgres(db *sql.DB) *StudentPostgres {
	return &StudentPostgres{db: db}
}

const studentColumns = `id, tenant_id, email, name, register_number, division, class_year, semester,
	registration_code, password_hash, state, created_at, updated_at`

func (s *StudentPostgres) Create(ctx context.Context, st *models.Student) error {
	query := `INSERT INTO students (` + studentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(st.ID), uuid.UUID(st.TenantID), st.Email, st.Name, st.RegisterNumber, st.Division,
		st.ClassYear, st.Semester, st.RegistrationCode, nullString(st.PasswordHash), string(st.State),
		st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return translateWriteErr(err, "insert student")
	}
	return nil
}

func (s *StudentPostgres) Update(ctx context.Context, st *models.Student) error {
	query := `
		UPDATE students
		SET email = $2, name = $3, register_number = $4, division = $5, class_year = $6,
			semester = $7, registration_code = $8, password_hash = $9, state = $10, updated_at = $11
		WHERE id = $1
	`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(st.ID), st.Email, st.Name, st.RegisterNumber, st.Division, st.ClassYear,
		st.Semester, st.RegistrationCode, nullString(st.PasswordHash), string(st.State), st.UpdatedAt)
	if err != nil {
		return translateWriteErr(err, "update student")
	}
	return checkAffected(res, "student "+st.ID.String())
}

func (s *StudentPostgres) FindByID(ctx context.Context, studentID id.PrincipalID) (*models.Student, error) {
	return s.findOne(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, uuid.UUID(studentID))
}

func (s *StudentPostgres) FindByEmail(ctx context.Context, tenantID id.TenantID, email string) (*models.Student, error) {
	return s.findOne(ctx, `SELECT `+studentColumns+` FROM students WHERE tenant_id = $1 AND lower(email) = lower($2)`,
		uuid.UUID(tenantID), email)
}

func (s *StudentPostgres) findOne(ctx context.Context, query string, args ...any) (*models.Student, error) {
	var (
		st                  models.Student
		studentID, tenantID uuid.UUID
		hash                sql.NullString
		state               string
	)
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, args...).Scan(
		&studentID, &tenantID, &st.Email, &st.Name, &st.RegisterNumber, &st.Division, &st.ClassYear,
		&st.Semester, &st.RegistrationCode, &hash, &state, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("student: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find student: %w", err)
	}
	st.ID = id.PrincipalID(studentID)
	st.TenantID = id.TenantID(tenantID)
	st.PasswordHash = hash.String
	st.State = models.StudentState(state)
	return &st, nil
}

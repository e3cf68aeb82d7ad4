package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"unigate/internal/platform/postgres"
	"unigate/internal/tenant/models"
	id "unigate/pkg/domain"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

// PostgresStore persists tenants. University code uniqueness is enforced by
// the lower(university_code) unique index.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, university_code, name, status, created_at, updated_at`

func (s *PostgresStore) CreateIfCodeAvailable(ctx context.Context, t *models.Tenant) error {
	query := `
		INSERT INTO tenants (` + tenantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(t.ID), t.UniversityCode, t.Name, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("university code %s: %w", t.UniversityCode, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return s.findOne(ctx, query, uuid.UUID(tenantID))
}

func (s *PostgresStore) FindByCode(ctx context.Context, code string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE lower(university_code) = lower($1)`
	return s.findOne(ctx, query, code)
}

func (s *PostgresStore) Update(ctx context.Context, t *models.Tenant) error {
	query := `UPDATE tenants SET name = $2, status = $3, updated_at = $4 WHERE id = $1`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(t.ID), t.Name, string(t.Status), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tenant rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("tenant %s: %w", t.ID, sentinel.ErrNotFound)
	}
	return nil
}

// Execute locks the row with SELECT ... FOR UPDATE inside a transaction,
// validates, mutates and writes it back.
func (s *PostgresStore) Execute(ctx context.Context, tenantID id.TenantID, validate func(*models.Tenant) error, mutate func(*models.Tenant)) (*models.Tenant, error) {
	run := func(ctx context.Context) (*models.Tenant, error) {
		query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1 FOR UPDATE`
		t, err := s.findOne(ctx, query, uuid.UUID(tenantID))
		if err != nil {
			return nil, err
		}
		if err := validate(t); err != nil {
			return nil, err
		}
		mutate(t)
		if err := s.Update(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	}

	if _, ok := txcontext.From(ctx); ok {
		return run(ctx)
	}

	var result *models.Tenant
	err := txcontext.NewPostgres(s.db, 0).RunInTx(ctx, func(ctx context.Context) error {
		t, err := run(ctx)
		result = t
		return err
	})
	return result, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) findOne(ctx context.Context, query string, args ...any) (*models.Tenant, error) {
	t, err := scanTenant(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find tenant: %w", err)
	}
	return t, nil
}

func scanTenant(row rowScanner) (*models.Tenant, error) {
	var (
		t        models.Tenant
		tenantID uuid.UUID
		status   string
	)
	if err := row.Scan(&tenantID, &t.UniversityCode, &t.Name, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ID = id.TenantID(tenantID)
	t.Status = models.TenantStatus(status)
	return &t, nil
}

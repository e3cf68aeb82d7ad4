package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"unigate/internal/platform/postgres"
	"unigate/internal/regcode/models"
	id "unigate/pkg/domain"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

// PostgresStore persists codes in registration_codes. Consumption is a
// single conditional UPDATE so two concurrent consumers cannot both win.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const codeColumns = `code, type, tenant_id, used, used_by, used_at, expires_at, is_active, created_by, created_at`

func (s *PostgresStore) CreateBatch(ctx context.Context, codes []*models.RegistrationCode) error {
	if len(codes) == 0 {
		return nil
	}
	var (
		placeholders []string
		args         []any
	)
	for i, c := range codes {
		base := i * 7
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, FALSE, NULL, NULL, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, c.Code, string(c.Type), uuid.UUID(c.TenantID), c.ExpiresAt, c.IsActive, uuid.UUID(c.CreatedBy), c.CreatedAt)
	}
	query := `INSERT INTO registration_codes (` + codeColumns + `) VALUES ` + strings.Join(placeholders, ", ")

	if _, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query, args...); err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("insert registration codes: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert registration codes: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByCode(ctx context.Context, code string) (*models.RegistrationCode, error) {
	query := `SELECT ` + codeColumns + ` FROM registration_codes WHERE code = $1`
	c, err := scanCode(txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("registration code %s: %w", code, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find registration code: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID id.TenantID, filter models.Filter) ([]*models.RegistrationCode, error) {
	query := `SELECT ` + codeColumns + ` FROM registration_codes WHERE tenant_id = $1`
	args := []any{uuid.UUID(tenantID)}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Used != nil {
		args = append(args, *filter.Used)
		query += fmt.Sprintf(" AND used = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, code"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list registration codes: %w", err)
	}
	defer rows.Close()

	var out []*models.RegistrationCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration code: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registration codes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkUsed(ctx context.Context, code string, principalID id.PrincipalID, now time.Time) error {
	query := `
		UPDATE registration_codes
		SET used = TRUE, used_by = $2, used_at = $3
		WHERE code = $1 AND used = FALSE AND is_active = TRUE AND expires_at >= $3
	`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query, code, uuid.UUID(principalID), now)
	if err != nil {
		return fmt.Errorf("consume registration code: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume registration code rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("registration code %s: %w", code, sentinel.ErrAlreadyUsed)
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, code string) error {
	query := `UPDATE registration_codes SET is_active = FALSE WHERE code = $1 AND used = FALSE`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query, code)
	if err != nil {
		return fmt.Errorf("revoke registration code: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke registration code rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("registration code %s: %w", code, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) DeleteCodes(ctx context.Context, codes []string) (int, error) {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM registration_codes WHERE code = ANY($1)`, pq.Array(codes))
	if err != nil {
		return 0, fmt.Errorf("delete registration codes: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete registration codes rows affected: %w", err)
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (*models.RegistrationCode, error) {
	var (
		c                   models.RegistrationCode
		codeType            string
		tenantID, createdBy uuid.UUID
		usedBy              uuid.NullUUID
		usedAt              sql.NullTime
	)
	if err := row.Scan(&c.Code, &codeType, &tenantID, &c.Used, &usedBy, &usedAt,
		&c.ExpiresAt, &c.IsActive, &createdBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Type = models.CodeType(codeType)
	c.TenantID = id.TenantID(tenantID)
	c.CreatedBy = id.PrincipalID(createdBy)
	if usedBy.Valid {
		c.UsedBy = id.PrincipalID(usedBy.UUID)
	}
	if usedAt.Valid {
		t := usedAt.Time
		c.UsedAt = &t
	}
	return &c, nil
}

package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unigate/internal/regcode/models"
	id "unigate/pkg/domain"
	"unigate/pkg/platform/sentinel"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgres(db), mock
}

func TestPostgresMarkUsedIsConditional(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	principal := id.NewPrincipalID()

	mock.ExpectExec(regexp.QuoteMeta("WHERE code = $1 AND used = FALSE AND is_active = TRUE AND expires_at >= $3")).
		WithArgs("FAC-ABCD2345", uuid.UUID(principal), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkUsed(context.Background(), "FAC-ABCD2345", principal, now)
	assert.ErrorIs(t, err, sentinel.ErrAlreadyUsed)
}

func TestPostgresCreateBatchBuildsMultiRowInsert(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	tenant := id.NewTenantID()
	admin := id.NewPrincipalID()
	codes := []*models.RegistrationCode{
		{Code: "STU-AAAA2222", Type: models.CodeTypeStudent, TenantID: tenant, ExpiresAt: now, IsActive: true, CreatedBy: admin, CreatedAt: now},
		{Code: "STU-BBBB3333", Type: models.CodeTypeStudent, TenantID: tenant, ExpiresAt: now, IsActive: true, CreatedBy: admin, CreatedAt: now},
	}

	mock.ExpectExec(regexp.QuoteMeta("($8, $9, $10, FALSE, NULL, NULL, $11, $12, $13, $14)")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.CreateBatch(context.Background(), codes))
}

func TestPostgresCreateBatchConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO registration_codes")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateBatch(context.Background(), []*models.RegistrationCode{
		{Code: "STU-AAAA2222", Type: models.CodeTypeStudent, TenantID: id.NewTenantID(), ExpiresAt: now, CreatedBy: id.NewPrincipalID(), CreatedAt: now},
	})
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestPostgresFindScansNullableUse(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	tenant := uuid.New()
	admin := uuid.New()
	user := uuid.New()

	cols := []string{"code", "type", "tenant_id", "used", "used_by", "used_at", "expires_at", "is_active", "created_by", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM registration_codes WHERE code = $1")).
		WithArgs("FAC-USED2345").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("FAC-USED2345", "faculty", tenant.String(), true, user.String(), now, now.Add(time.Hour), true, admin.String(), now))

	c, err := store.FindByCode(context.Background(), "FAC-USED2345")
	require.NoError(t, err)
	assert.True(t, c.Used)
	assert.Equal(t, id.PrincipalID(user), c.UsedBy)
	require.NotNil(t, c.UsedAt)
	assert.Equal(t, models.CodeTypeFaculty, c.Type)

	mock.ExpectQuery(regexp.QuoteMeta("FROM registration_codes WHERE code = $1")).
		WithArgs("FAC-FREE2345").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("FAC-FREE2345", "faculty", tenant.String(), false, nil, nil, now.Add(time.Hour), true, admin.String(), now))

	c, err = store.FindByCode(context.Background(), "FAC-FREE2345")
	require.NoError(t, err)
	assert.Nil(t, c.UsedAt)
	assert.True(t, c.UsedBy.IsNil())

	mock.ExpectQuery(regexp.QuoteMeta("FROM registration_codes WHERE code = $1")).
		WillReturnError(sql.ErrNoRows)
	_, err = store.FindByCode(context.Background(), "FAC-GONE2345")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPostgresListAppliesFilters(t *testing.T) {
	store, mock := newMockStore(t)
	tenant := id.NewTenantID()
	used := false

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND type = $2 AND used = $3 ORDER BY created_at DESC, code LIMIT $4")).
		WithArgs(uuid.UUID(tenant), "student", false, 10).
		WillReturnRows(sqlmock.NewRows([]string{"code", "type", "tenant_id", "used", "used_by", "used_at", "expires_at", "is_active", "created_by", "created_at"}))

	list, err := store.ListByTenant(context.Background(), tenant, models.Filter{Type: models.CodeTypeStudent, Used: &used, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPostgresDeleteCodes(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM registration_codes WHERE code = ANY($1)")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.DeleteCodes(context.Background(), []string{"STU-A", "STU-B"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

package tx

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterStore struct {
	mu    sync.Mutex
	value int
}

func (c *counterStore) inc(ctx context.Context) {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
	OnRollback(ctx, func() {
		c.mu.Lock()
		c.value--
		c.mu.Unlock()
	})
}

func TestInMemory_RestoresOnError(t *testing.T) {
	store := &counterStore{}
	runner := NewInMemory()

	err := runner.RunInTx(context.Background(), func(ctx context.Context) error {
		store.inc(ctx)
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 0, store.value)

	err = runner.RunInTx(context.Background(), func(ctx context.Context) error {
		store.inc(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.value)
}

func TestInMemory_NestedCallsJoinOuterTransaction(t *testing.T) {
	store := &counterStore{}
	runner := NewInMemory()

	err := runner.RunInTx(context.Background(), func(ctx context.Context) error {
		return runner.RunInTx(ctx, func(ctx context.Context) error {
			store.inc(ctx)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.value)
}

func TestInMemory_RollbackKeepsWritesMadeOutside(t *testing.T) {
	store := &counterStore{}
	runner := NewInMemory()

	err := runner.RunInTx(context.Background(), func(ctx context.Context) error {
		store.inc(ctx)
		store.inc(context.Background())
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 1, store.value)
}

func TestOnRollback_NoTransaction(t *testing.T) {
	called := false
	OnRollback(context.Background(), func() { called = true })
	assert.False(t, called)
}

func TestInMemory_CancelledContext(t *testing.T) {
	runner := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := runner.RunInTx(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestPostgres_CommitAndRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	runner := NewPostgres(db, 0)

	t.Run("commits on success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE widgets").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := runner.RunInTx(context.Background(), func(ctx context.Context) error {
			_, ok := From(ctx)
			require.True(t, ok)
			_, err := Executor(ctx, db).ExecContext(ctx, "UPDATE widgets SET n = 1")
			return err
		})
		require.NoError(t, err)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := runner.RunInTx(context.Background(), func(ctx context.Context) error {
			return errors.New("abort")
		})
		require.Error(t, err)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

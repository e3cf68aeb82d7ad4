package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "unigate/pkg/domain"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/platform/audit/store/memory"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	principalID := id.NewPrincipalID()
	err := pub.Emit(context.Background(), audit.Event{
		PrincipalID: principalID,
		Action:      string(audit.EventStudentActivated),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), principalID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventStudentActivated), events[0].Action)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	principalID := id.NewPrincipalID()
	for range 10 {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{
			PrincipalID: principalID,
			Action:      string(audit.EventLoginSucceeded),
		}))
	}

	pub.Close()

	events, err := store.ListByPrincipal(context.Background(), principalID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFullDoesNotPanic(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Emit(context.Background(), audit.Event{
				PrincipalID: id.NewPrincipalID(),
				Action:      string(audit.EventLoginFailed),
			})
		}()
	}
	wg.Wait()
}

func TestPublisher_Timestamps(t *testing.T) {
	t.Run("sets missing timestamp", func(t *testing.T) {
		pub := NewPublisher(memory.NewInMemoryStore())
		defer pub.Close()

		principalID := id.NewPrincipalID()
		before := time.Now()
		require.NoError(t, pub.Emit(context.Background(), audit.Event{PrincipalID: principalID, Action: "x"}))
		after := time.Now()

		events, err := pub.List(context.Background(), principalID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].Timestamp.Before(before))
		assert.False(t, events[0].Timestamp.After(after))
	})

	t.Run("preserves existing timestamp", func(t *testing.T) {
		pub := NewPublisher(memory.NewInMemoryStore())
		defer pub.Close()

		principalID := id.NewPrincipalID()
		custom := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, pub.Emit(context.Background(), audit.Event{PrincipalID: principalID, Action: "x", Timestamp: custom}))

		events, err := pub.List(context.Background(), principalID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, custom, events[0].Timestamp)
	})
}

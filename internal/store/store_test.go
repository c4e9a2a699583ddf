package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLinkStoreContract exercises behavior every LinkStore must share.
func runLinkStoreContract(t *testing.T, newStore func(t *testing.T) LinkStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, "C1:1", "PROJ-1", []string{"r"}, "U1", "Deploy failed")
		require.NoError(t, err)
		assert.Equal(t, "PROJ-1", created.IssueKey)
		assert.Equal(t, []string{"r"}, created.SyncedMessageIDs)

		got, err := s.Get(ctx, "C1:1")
		require.NoError(t, err)
		assert.Equal(t, "PROJ-1", got.IssueKey)
		assert.Equal(t, []string{"r"}, got.SyncedMessageIDs)
		require.NotNil(t, got.LastSyncedMessageID)
		assert.Equal(t, "r", *got.LastSyncedMessageID)
		assert.Equal(t, "Deploy failed", got.Summary)
	})

	t.Run("create with nothing synced", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "C1:2", "PROJ-2", nil, "U1", "")
		require.NoError(t, err)

		got, err := s.Get(ctx, "C1:2")
		require.NoError(t, err)
		assert.Empty(t, got.SyncedMessageIDs)
		assert.Nil(t, got.LastSyncedMessageID)
	})

	t.Run("second create reports existing key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "C1:1", "PROJ-1", nil, "U1", "")
		require.NoError(t, err)

		_, err = s.Create(ctx, "C1:1", "PROJ-9", nil, "U2", "")
		var already *AlreadyLinkedError
		require.True(t, errors.As(err, &already))
		assert.Equal(t, "PROJ-1", already.IssueKey)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("record synced is idempotent and ordered", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "C1:1", "PROJ-1", []string{"r"}, "U1", "")
		require.NoError(t, err)

		require.NoError(t, s.RecordSynced(ctx, "C1:1", []string{"a"}))
		require.NoError(t, s.RecordSynced(ctx, "C1:1", []string{"a", "b"}))
		require.NoError(t, s.RecordSynced(ctx, "C1:1", []string{"r"}))

		got, err := s.Get(ctx, "C1:1")
		require.NoError(t, err)
		assert.Equal(t, []string{"r", "a", "b"}, got.SyncedMessageIDs)
	})

	t.Run("record synced without link", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.RecordSynced(ctx, "nope", []string{"a"}), ErrNotFound)
	})

	t.Run("concurrent creates have one winner", func(t *testing.T) {
		s := newStore(t)
		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			losers  int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("PROJ-%d", i+1)
				_, err := s.Create(ctx, "C1:race", key, nil, "U1", "")
				mu.Lock()
				defer mu.Unlock()
				var already *AlreadyLinkedError
				switch {
				case err == nil:
					winners = append(winners, key)
				case errors.As(err, &already):
					losers++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		require.Len(t, winners, 1)
		assert.Equal(t, n-1, losers)
		got, err := s.Get(ctx, "C1:race")
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.IssueKey)
	})

	t.Run("search and list", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "C1:1", "OPS-12", nil, "U1", "Database failover drill")
		require.NoError(t, err)
		_, err = s.Create(ctx, "C1:2", "PROJ-7", nil, "U1", "Login page broken")
		require.NoError(t, err)

		byKey, err := s.Search(ctx, "ops", 10, 0)
		require.NoError(t, err)
		require.Len(t, byKey.Links, 1)
		assert.Equal(t, 1, byKey.Total)
		assert.Equal(t, "OPS-12", byKey.Links[0].IssueKey)

		bySummary, err := s.Search(ctx, "login", 10, 0)
		require.NoError(t, err)
		require.Len(t, bySummary.Links, 1)
		assert.Equal(t, "C1:2", bySummary.Links[0].ThreadID)

		none, err := s.Search(ctx, "   ", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, none.Links)
		assert.Zero(t, none.Total)

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("search pages report every match", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 5; i++ {
			_, err := s.Create(ctx, fmt.Sprintf("C2:%d", i), fmt.Sprintf("OPS-%d", i), nil, "U1", "Deploy rollback")
			require.NoError(t, err)
		}

		first, err := s.Search(ctx, "rollback", 2, 0)
		require.NoError(t, err)
		assert.Len(t, first.Links, 2)
		assert.Equal(t, 5, first.Total)

		last, err := s.Search(ctx, "rollback", 2, 4)
		require.NoError(t, err)
		assert.Len(t, last.Links, 1)
		assert.Equal(t, 5, last.Total)
		assert.NotContains(t, first.Links, last.Links[0])

		beyond, err := s.Search(ctx, "rollback", 2, 10)
		require.NoError(t, err)
		assert.Empty(t, beyond.Links)
		assert.Equal(t, 5, beyond.Total)
	})
}

func TestMemoryStore(t *testing.T) {
	runLinkStoreContract(t, func(*testing.T) LinkStore { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	runLinkStoreContract(t, func(t *testing.T) LinkStore { return NewPostgresStore(openTestDB(t)) })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Create(ctx, "C1:1", "PROJ-1", []string{"r"}, "U1", "")
	require.NoError(t, err)

	got, err := s.Get(ctx, "C1:1")
	require.NoError(t, err)
	got.SyncedMessageIDs[0] = "mutated"

	again, err := s.Get(ctx, "C1:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, again.SyncedMessageIDs)
}

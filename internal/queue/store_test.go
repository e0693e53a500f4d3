package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
)

type storeFactory func(t *testing.T, cfg config.QueueConfig) Store

var factories = map[string]storeFactory{
	"sqlite": func(t *testing.T, cfg config.QueueConfig) Store {
		t.Helper()
		cfg.Path = ":memory:"
		s, err := NewSQLiteStore(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
	"memory": func(t *testing.T, cfg config.QueueConfig) Store {
		t.Helper()
		return NewMemoryStore(cfg)
	},
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, cfg config.QueueConfig, fn func(t *testing.T, s Store)) {
	for name, newStore := range factories {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t, cfg))
		})
	}
}

func sample(i int) event.Record {
	return event.Normalize(map[string]any{
		"userId":    "learner-1",
		"sessionId": "sess-1",
		"eventType": "module_progress",
		"moduleId":  fmt.Sprintf("mod-%d", i),
	})
}

func TestEnqueuePeekRoundTrip(t *testing.T) {
	eachStore(t, config.QueueConfig{MaxSize: 100, MaxRetries: 3}, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := sample(1)
		in.SyncStatus.RetryCount = 4

		queued, err := s.Enqueue(ctx, in)
		require.NoError(t, err)
		assert.NotZero(t, queued.ID)

		batch, err := s.PeekBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		got := batch[0]
		assert.Equal(t, queued.ID, got.ID)
		assert.Equal(t, in.EventID, got.EventID)
		assert.Equal(t, in.UserID, got.UserID)
		assert.True(t, in.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, "mod-1", got.EventData["moduleId"])
		require.NotNil(t, got.SyncStatus.QueuedAt)
		assert.Equal(t, 0, got.SyncStatus.RetryCount)
		assert.Nil(t, got.SyncStatus.SyncedAt)
	})
}

func TestPeekBatchOrderAndLimit(t *testing.T) {
	eachStore(t, config.QueueConfig{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := s.Enqueue(ctx, sample(i))
			require.NoError(t, err)
		}

		batch, err := s.PeekBatch(ctx, 3)
		require.NoError(t, err)
		require.Len(t, batch, 3)
		for i, r := range batch {
			assert.Equal(t, fmt.Sprintf("mod-%d", i), r.EventData["moduleId"])
		}
		assert.Less(t, batch[0].ID, batch[1].ID)

		// Peeking does not consume
		again, err := s.PeekBatch(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, again, 5)

		none, err := s.PeekBatch(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMarkSyncedIdempotent(t *testing.T) {
	eachStore(t, config.QueueConfig{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		rs, err := s.EnqueueBatch(ctx, []event.Record{sample(1), sample(2)})
		require.NoError(t, err)

		require.NoError(t, s.MarkSynced(ctx, rs[0].ID))
		first, err := s.Get(ctx, rs[0].ID)
		require.NoError(t, err)
		require.NotNil(t, first.SyncStatus.SyncedAt)
		assert.Equal(t, event.SourceOfflineSync, first.SyncStatus.Source)

		require.NoError(t, s.MarkSynced(ctx, rs[0].ID, 9999))
		second, err := s.Get(ctx, rs[0].ID)
		require.NoError(t, err)
		assert.True(t, first.SyncStatus.SyncedAt.Equal(*second.SyncStatus.SyncedAt))

		batch, err := s.PeekBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, rs[1].ID, batch[0].ID)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Pending)
		assert.Equal(t, 1, st.Synced)
	})
}

func TestMarkFailedMovesToDeadLetterPastMax(t *testing.T) {
	eachStore(t, config.QueueConfig{MaxRetries: 2}, func(t *testing.T, s Store) {
		ctx := context.Background()
		r, err := s.Enqueue(ctx, sample(1))
		require.NoError(t, err)

		for want := 1; want <= 2; want++ {
			count, dead, err := s.MarkFailed(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, want, count)
			assert.False(t, dead)
		}
		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.SyncStatus.RetryCount)

		count, dead, err := s.MarkFailed(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
		assert.True(t, dead)

		_, err = s.Get(ctx, r.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		dls, err := s.DeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, r.ID, dls[0].QueueID)
		assert.Equal(t, ReasonRetriesExhausted, dls[0].Reason)
		assert.Equal(t, 3, dls[0].Record.SyncStatus.RetryCount)
		assert.Equal(t, r.EventID, dls[0].Record.EventID)

		_, _, err = s.MarkFailed(ctx, r.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeadLetterKeepsRetryCount(t *testing.T) {
	eachStore(t, config.QueueConfig{MaxRetries: 5}, func(t *testing.T, s Store) {
		ctx := context.Background()
		r, err := s.Enqueue(ctx, sample(1))
		require.NoError(t, err)

		require.NoError(t, s.DeadLetter(ctx, r.ID, "rejected: 400"))

		dls, err := s.DeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, 0, dls[0].Record.SyncStatus.RetryCount)
		assert.Equal(t, "rejected: 400", dls[0].Reason)

		assert.ErrorIs(t, s.DeadLetter(ctx, r.ID, "again"), ErrNotFound)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Pending)
		assert.Equal(t, 1, st.DeadLetters)
	})
}

func TestEvictionWhenFull(t *testing.T) {
	eachStore(t, config.QueueConfig{MaxSize: 10}, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			_, err := s.Enqueue(ctx, sample(i))
			require.NoError(t, err)
		}
		_, err := s.Enqueue(ctx, sample(10))
		require.NoError(t, err)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, st.Pending)
		assert.Equal(t, 1, st.DeadLetters)

		dls, err := s.DeadLetters(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, ReasonEvicted, dls[0].Reason)
		assert.Equal(t, "mod-0", dls[0].Record.EventData["moduleId"])
	})
}

func TestRequeue(t *testing.T) {
	eachStore(t, config.QueueConfig{MaxRetries: 1}, func(t *testing.T, s Store) {
		ctx := context.Background()
		r, err := s.Enqueue(ctx, sample(1))
		require.NoError(t, err)
		_, _, err = s.MarkFailed(ctx, r.ID)
		require.NoError(t, err)
		_, dead, err := s.MarkFailed(ctx, r.ID)
		require.NoError(t, err)
		require.True(t, dead)

		dls, err := s.DeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dls, 1)

		back, err := s.Requeue(ctx, dls[0].ID)
		require.NoError(t, err)
		assert.Greater(t, back.ID, r.ID)
		assert.Equal(t, 0, back.SyncStatus.RetryCount)
		assert.Equal(t, r.EventID, back.EventID)

		batch, err := s.PeekBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, back.ID, batch[0].ID)

		_, err = s.Requeue(ctx, dls[0].ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecordSyncAndPurge(t *testing.T) {
	eachStore(t, config.QueueConfig{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		rs, err := s.EnqueueBatch(ctx, []event.Record{sample(1), sample(2)})
		require.NoError(t, err)
		require.NoError(t, s.MarkSynced(ctx, rs[0].ID))

		at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, s.RecordSync(ctx, at, 1))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		require.NotNil(t, st.LastSync)
		assert.True(t, at.Equal(*st.LastSync))
		assert.Equal(t, 1, st.LastSyncCount)

		n, err := s.PurgeSynced(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.PurgeSynced(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		st, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Synced)
		assert.Equal(t, 1, st.Pending)
	})
}

func TestConcurrentMutations(t *testing.T) {
	eachStore(t, config.QueueConfig{MaxRetries: 100}, func(t *testing.T, s Store) {
		ctx := context.Background()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					r, err := s.Enqueue(ctx, sample(w*100+i))
					if !assert.NoError(t, err) {
						return
					}
					if i%2 == 0 {
						assert.NoError(t, s.MarkSynced(ctx, r.ID))
					} else {
						_, _, err := s.MarkFailed(ctx, r.ID)
						assert.NoError(t, err)
					}
				}
			}(w)
		}
		wg.Wait()

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 52, st.Synced)
		assert.Equal(t, 48, st.Pending)

		pending, err := s.PeekBatch(ctx, 100)
		require.NoError(t, err)
		for _, r := range pending {
			assert.Equal(t, 1, r.SyncStatus.RetryCount)
		}
	})
}

func TestSQLiteSurvivesRestart(t *testing.T) {
	cfg := config.QueueConfig{Path: filepath.Join(t.TempDir(), "nested", "queue.db"), MaxRetries: 3}
	ctx := context.Background()

	s, err := NewSQLiteStore(cfg)
	require.NoError(t, err)
	r, err := s.Enqueue(ctx, sample(7))
	require.NoError(t, err)
	_, _, err = s.MarkFailed(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	batch, err := s.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, r.ID, batch[0].ID)
	assert.Equal(t, r.EventID, batch[0].EventID)
	assert.Equal(t, 1, batch[0].SyncStatus.RetryCount)

	next, err := s.Enqueue(ctx, sample(8))
	require.NoError(t, err)
	assert.Greater(t, next.ID, r.ID)
}

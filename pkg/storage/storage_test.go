package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/livecaption/pkg/models"
)

func snapshot(id string, status models.JobStatus, savedAt time.Time) models.Snapshot {
	return models.Snapshot{
		Job:      models.Job{ID: id, Status: status},
		Segments: []models.Segment{{ID: id + "-s1"}},
		SavedAt:  savedAt,
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Save(ctx, snapshot("old", models.JobCompleted, now.Add(-time.Minute))))
	require.NoError(t, s.Save(ctx, snapshot("new", models.JobRunning, now)))
	assert.Error(t, s.Save(ctx, models.Snapshot{}))

	got, err := s.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "new-s1", got.Segments[0].ID)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].JobID)
	assert.Equal(t, models.JobRunning, list[0].Status)

	require.NoError(t, s.Delete(ctx, "old"))
	assert.ErrorIs(t, s.Delete(ctx, "old"), ErrNotFound)
	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHybridStoreSyncsTerminalSnapshots(t *testing.T) {
	ctx := context.Background()
	hot, cold := NewMemoryStore(), NewMemoryStore()
	s := NewHybridStore(hot, cold, HybridOptions{FlushInterval: time.Hour})

	require.NoError(t, s.Save(ctx, snapshot("running", models.JobRunning, time.Now())))
	require.NoError(t, s.Save(ctx, snapshot("done", models.JobCompleted, time.Now())))

	_, err := hot.Get(ctx, "running")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = cold.Get(ctx, "done")
	assert.NoError(t, err, "terminal snapshot is flushed on close")
	_, err = cold.Get(ctx, "running")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHybridStoreFallsBackToCold(t *testing.T) {
	ctx := context.Background()
	hot, cold := NewMemoryStore(), NewMemoryStore()
	s := NewHybridStore(hot, cold, HybridOptions{})
	defer s.Close()

	require.NoError(t, cold.Save(ctx, snapshot("archived", models.JobFailed, time.Now())))

	got, err := s.Get(ctx, "archived")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Job.Status)

	_, err = hot.Get(ctx, "archived")
	assert.NoError(t, err, "cold hit is written back to hot")

	require.NoError(t, s.Delete(ctx, "archived"))
	assert.ErrorIs(t, s.Delete(ctx, "archived"), ErrNotFound)
}

func TestHybridStoreBatchesOnInterval(t *testing.T) {
	ctx := context.Background()
	hot, cold := NewMemoryStore(), NewMemoryStore()
	s := NewHybridStore(hot, cold, HybridOptions{FlushInterval: 5 * time.Millisecond})
	defer s.Close()

	require.NoError(t, s.Save(ctx, snapshot("j1", models.JobCompleted, time.Now())))
	require.Eventually(t, func() bool {
		_, err := cold.Get(ctx, "j1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

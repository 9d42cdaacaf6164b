package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subweaver/subweaver/pkg/config"
	"github.com/subweaver/subweaver/pkg/models"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.StoreConfig{
		DoneTTL:   24 * time.Hour,
		FailedTTL: time.Hour,
	}
	return New(client, cfg), m
}

func TestSaveAndGet(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	job := models.NewJob("/media/a.mp4", "A", "en", "")
	require.NoError(t, store.Save(ctx, job))

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, models.StatusPending, loaded.Status)
	assert.Equal(t, "/media/a.mp4", loaded.VideoURL)
}

func TestGetNotFound(t *testing.T) {
	store, _ := testStore(t)
	_, err := store.Get(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	j1 := models.NewJob("/media/a.mp4", "A", "en", "")
	j2 := models.NewJob("/media/b.mp4", "B", "he", "")
	require.NoError(t, store.Save(ctx, j1))
	require.NoError(t, store.Save(ctx, j2))

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestUpdateStatusValidTransition(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	job := models.NewJob("/media/a.mp4", "A", "en", "")
	require.NoError(t, store.Save(ctx, job))

	applied, err := store.UpdateStatus(ctx, job.ID, models.StatusDownloadQueued, StatusUpdate{})
	require.NoError(t, err)
	assert.True(t, applied)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloadQueued, loaded.Status)
	assert.True(t, loaded.UpdatedAt.After(loaded.CreatedAt) || loaded.UpdatedAt.Equal(loaded.CreatedAt))
}

func TestUpdateStatusImpermissibleIgnored(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	job := models.NewJob("/media/a.mp4", "A", "en", "")
	require.NoError(t, store.Save(ctx, job))

	// PENDING cannot jump straight to DONE; the update is ignored, not
	// an error.
	applied, err := store.UpdateStatus(ctx, job.ID, models.StatusDone, StatusUpdate{})
	require.NoError(t, err)
	assert.False(t, applied)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, loaded.Status)
}

func TestUpdateStatusNeverRegresses(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	job := models.NewJob("/media/a.mp4", "A", "en", "")
	require.NoError(t, store.Save(ctx, job))

	for _, status := range []models.JobStatus{
		models.StatusDownloadQueued, models.StatusDownloadInProgress,
	} {
		_, err := store.UpdateStatus(ctx, job.ID, status, StatusUpdate{})
		require.NoError(t, err)
	}

	applied, err := store.UpdateStatus(ctx, job.ID, models.StatusPending, StatusUpdate{})
	require.NoError(t, err)
	assert.False(t, applied)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloadInProgress, loaded.Status)
}

func TestUpdateStatusSetsErrorAndResult(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	job := models.NewJob("/media/a.mp4", "A", "en", "")
	require.NoError(t, store.Save(ctx, job))

	_, err := store.UpdateStatus(ctx, job.ID, models.StatusDownloadQueued, StatusUpdate{})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, job.ID, models.StatusDownloadInProgress, StatusUpdate{})
	require.NoError(t, err)

	applied, err := store.UpdateStatus(ctx, job.ID, models.StatusDone, StatusUpdate{ResultURL: "file:///media/a.en.srt"})
	require.NoError(t, err)
	assert.True(t, applied)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, loaded.Status)
	assert.Equal(t, "file:///media/a.en.srt", loaded.ResultURL)
}

func TestTerminalStatusExpires(t *testing.T) {
	store, m := testStore(t)
	ctx := context.Background()

	job := models.NewJob("/media/a.mp4", "A", "en", "")
	require.NoError(t, store.Save(ctx, job))

	_, err := store.UpdateStatus(ctx, job.ID, models.StatusFailed, StatusUpdate{ErrorMessage: "boom"})
	require.NoError(t, err)

	// Inside the TTL the record is still readable.
	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", loaded.ErrorMessage)

	m.FastForward(2 * time.Hour)

	_, err = store.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsNewestFirst(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	jobID := "job-1"
	first := models.JobEvent{EventType: "subtitle.requested", Source: "scanner", Timestamp: time.Now().UTC()}
	second := models.JobEvent{EventType: "subtitle.ready", Source: "downloader", Timestamp: time.Now().UTC()}
	require.NoError(t, store.AppendEvent(ctx, jobID, first))
	require.NoError(t, store.AppendEvent(ctx, jobID, second))

	events, err := store.Events(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "subtitle.ready", events[0].EventType)
	assert.Equal(t, "subtitle.requested", events[1].EventType)
}

func TestEventsEmptyLog(t *testing.T) {
	store, _ := testStore(t)
	events, err := store.Events(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, events)
}

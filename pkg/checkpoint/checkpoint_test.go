package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subweaver/subweaver/pkg/srt"
)

func TestSaveAndLoad(t *testing.T) {
	store := NewStore(t.TempDir())

	cp := &Checkpoint{
		JobID:          "job-1",
		SourcePath:     "/media/a.en.srt",
		SourceLanguage: "en",
		TargetLanguage: "he",
		TotalChunks:    3,
		Segments: []srt.Segment{
			{Index: 1, Start: "00:00:01,000", End: "00:00:02,000", Text: "shalom"},
		},
	}
	cp.MarkCompleted(0)
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("job-1", "he")
	require.NoError(t, err)
	assert.Equal(t, cp.SourcePath, loaded.SourcePath)
	assert.Equal(t, []int{0}, loaded.CompletedChunks)
	assert.Equal(t, cp.Segments, loaded.Segments)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestLoadNotFound(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load("missing", "he")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavePreservesCreatedAt(t *testing.T) {
	store := NewStore(t.TempDir())

	cp := &Checkpoint{JobID: "job-1", TargetLanguage: "he", TotalChunks: 2}
	require.NoError(t, store.Save(cp))
	created := cp.CreatedAt

	cp.MarkCompleted(0)
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("job-1", "he")
	require.NoError(t, err)
	assert.Equal(t, created, loaded.CreatedAt)
	assert.False(t, loaded.UpdatedAt.Before(created))
}

func TestDelete(t *testing.T) {
	store := NewStore(t.TempDir())

	cp := &Checkpoint{JobID: "job-1", TargetLanguage: "he"}
	require.NoError(t, store.Save(cp))
	require.NoError(t, store.Delete("job-1", "he"))

	_, err := store.Load("job-1", "he")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	assert.NoError(t, store.Delete("job-1", "he"))
}

func TestMatches(t *testing.T) {
	cp := &Checkpoint{SourcePath: "/media/a.en.srt", SourceLanguage: "en", TargetLanguage: "he"}
	assert.True(t, cp.Matches("/media/a.en.srt", "en", "he"))
	assert.False(t, cp.Matches("/media/b.en.srt", "en", "he"))
	assert.False(t, cp.Matches("/media/a.en.srt", "fr", "he"))
	assert.False(t, cp.Matches("/media/a.en.srt", "en", "de"))
}

func TestMarkCompleted(t *testing.T) {
	cp := &Checkpoint{}
	cp.MarkCompleted(2)
	cp.MarkCompleted(0)
	cp.MarkCompleted(2) // idempotent
	cp.MarkCompleted(1)

	assert.Equal(t, []int{0, 1, 2}, cp.CompletedChunks)
	assert.True(t, cp.Completed(1))
	assert.False(t, cp.Completed(3))
}

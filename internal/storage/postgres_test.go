package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/iding2959/ys-movie/internal/storage"
	"github.com/iding2959/ys-movie/internal/testutil"
	"github.com/iding2959/ys-movie/pkg/models"
	"github.com/iding2959/ys-movie/pkg/storage"
)

func sampleTask(id string) models.Task {
	return models.Task{
		ID:     id,
		Kind:   "clip_chain",
		Status: models.SubmittedTaskStatus,
		Params: map[string]any{"duration": float64(10)},
		Segments: []models.Segment{
			{Index: 0, NodeNamespace: 70, Seed: 100, Status: models.SubmittedTaskStatus, JobHandle: id},
			{Index: 1, NodeNamespace: 76, Seed: 1_000_100, Status: models.PendingTaskStatus,
				HandoffInput: &models.HandoffRef{SegmentIndex: 0, NodeID: "70:92"}},
		},
		TimeoutSec: 600,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	td := testutil.SetupTestDB(t)
	defer td.Teardown(t)

	store, err := internal_storage.NewPostgresStore(td.ConnStr)
	require.NoError(t, err)
	defer store.Close()

	t.Run("SaveAndGet", func(t *testing.T) {
		task := sampleTask("job-save")
		require.NoError(t, store.SaveTask(task))

		got, err := store.GetTask("job-save")
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, task.Kind, got.Kind)
		assert.Equal(t, task.Status, got.Status)
		assert.Equal(t, task.Params, got.Params)
		require.Len(t, got.Segments, 2)
		assert.Equal(t, task.Segments[1].HandoffInput, got.Segments[1].HandoffInput)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("SaveUpserts", func(t *testing.T) {
		task := sampleTask("job-upsert")
		require.NoError(t, store.SaveTask(task))

		now := time.Now().UTC().Truncate(time.Microsecond)
		task.Status = models.CompletedTaskStatus
		task.Segments[0].Status = models.CompletedTaskStatus
		task.Result = map[string][]models.Artifact{
			"70:39": {{Filename: "clip.mp4", Kind: "video"}},
		}
		task.CompletedAt = &now
		require.NoError(t, store.SaveTask(task))

		got, err := store.GetTask("job-upsert")
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, got.Status)
		assert.Equal(t, "clip.mp4", got.Result["70:39"][0].Filename)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.GetTask("nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		for i, id := range []string{"job-l1", "job-l2", "job-l3"} {
			task := sampleTask(id)
			task.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
			require.NoError(t, store.SaveTask(task))
		}
		tasks, err := store.ListTasks(2)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "job-l3", tasks[0].ID)
		assert.Equal(t, "job-l2", tasks[1].ID)
	})
}

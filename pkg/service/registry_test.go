package service_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iding2959/ys-movie/pkg/models"
	"github.com/iding2959/ys-movie/pkg/service"
)

func newTask(id string, status models.TaskStatus) models.Task {
	return models.Task{
		ID:        id,
		Kind:      "text2image",
		Status:    status,
		Segments:  []models.Segment{{Index: 0, Status: status}},
		CreatedAt: time.Now(),
	}
}

func TestTaskRegistry(t *testing.T) {
	t.Run("CreateAndGet", func(t *testing.T) {
		r := service.NewTaskRegistry(0)
		assert.NoError(t, r.Create(newTask("a", models.SubmittedTaskStatus)))
		got, err := r.Get("a")
		assert.NoError(t, err)
		assert.Equal(t, models.SubmittedTaskStatus, got.Status)

		assert.ErrorIs(t, r.Create(newTask("a", models.SubmittedTaskStatus)), service.ErrTaskExists)
		_, err = r.Get("missing")
		assert.ErrorIs(t, err, service.ErrTaskNotFound)
	})

	t.Run("GetReturnsSnapshot", func(t *testing.T) {
		r := service.NewTaskRegistry(0)
		assert.NoError(t, r.Create(newTask("a", models.SubmittedTaskStatus)))
		got, _ := r.Get("a")
		got.Segments[0].Status = models.FailedTaskStatus
		again, _ := r.Get("a")
		assert.Equal(t, models.SubmittedTaskStatus, again.Segments[0].Status)
	})

	t.Run("UpdateCommitsForwardTransitions", func(t *testing.T) {
		r := service.NewTaskRegistry(0)
		assert.NoError(t, r.Create(newTask("a", models.SubmittedTaskStatus)))
		updated, err := r.Update("a", func(task *models.Task) {
			task.Status = models.RunningTaskStatus
		})
		assert.NoError(t, err)
		assert.Equal(t, models.RunningTaskStatus, updated.Status)
	})

	t.Run("UpdateIgnoresBackwardTransitions", func(t *testing.T) {
		r := service.NewTaskRegistry(0)
		assert.NoError(t, r.Create(newTask("a", models.RunningTaskStatus)))
		updated, err := r.Update("a", func(task *models.Task) {
			task.Status = models.PendingTaskStatus
		})
		assert.NoError(t, err)
		assert.Equal(t, models.RunningTaskStatus, updated.Status)
	})

	t.Run("TerminalTasksAreImmutable", func(t *testing.T) {
		r := service.NewTaskRegistry(0)
		assert.NoError(t, r.Create(newTask("a", models.RunningTaskStatus)))
		first, err := r.Update("a", func(task *models.Task) {
			task.Status = models.CompletedTaskStatus
		})
		assert.NoError(t, err)
		require.NotNil(t, first.CompletedAt)
		completedAt := *first.CompletedAt

		// A duplicate completion and a late failure are both no-ops.
		again, err := r.Update("a", func(task *models.Task) {
			task.Status = models.FailedTaskStatus
			task.ErrorMsg = "late failure"
		})
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, again.Status)
		assert.Empty(t, again.ErrorMsg)
		require.NotNil(t, again.CompletedAt)
		assert.Equal(t, completedAt, *again.CompletedAt)
	})

	t.Run("ListNewestFirstWithLimit", func(t *testing.T) {
		r := service.NewTaskRegistry(0)
		for i := 0; i < 5; i++ {
			assert.NoError(t, r.Create(newTask(fmt.Sprintf("t%d", i), models.SubmittedTaskStatus)))
		}
		all := r.List(0)
		require.Len(t, all, 5)
		assert.Equal(t, "t4", all[0].ID)
		assert.Equal(t, "t0", all[4].ID)

		limited := r.List(2)
		require.Len(t, limited, 2)
		assert.Equal(t, "t4", limited[0].ID)
		assert.Equal(t, "t3", limited[1].ID)
	})

	t.Run("EvictsOldestTerminalOnly", func(t *testing.T) {
		r := service.NewTaskRegistry(2)
		assert.NoError(t, r.Create(newTask("done", models.CompletedTaskStatus)))
		assert.NoError(t, r.Create(newTask("busy", models.RunningTaskStatus)))
		assert.NoError(t, r.Create(newTask("new", models.SubmittedTaskStatus)))

		assert.Equal(t, 2, r.Len())
		_, err := r.Get("done")
		assert.ErrorIs(t, err, service.ErrTaskNotFound)
		_, err = r.Get("busy")
		assert.NoError(t, err)
	})

	t.Run("NeverEvictsInFlightTasks", func(t *testing.T) {
		r := service.NewTaskRegistry(1)
		assert.NoError(t, r.Create(newTask("busy1", models.RunningTaskStatus)))
		assert.NoError(t, r.Create(newTask("busy2", models.RunningTaskStatus)))
		assert.Equal(t, 2, r.Len())
	})

	t.Run("CancelFlag", func(t *testing.T) {
		r := service.NewTaskRegistry(0)
		assert.NoError(t, r.Create(newTask("a", models.RunningTaskStatus)))
		assert.False(t, r.Cancelled("a"))
		assert.NoError(t, r.MarkCancel("a"))
		assert.True(t, r.Cancelled("a"))
		assert.ErrorIs(t, r.MarkCancel("missing"), service.ErrTaskNotFound)
	})
}

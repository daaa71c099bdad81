// Package storage defines the optional durable task archive. The
// in-memory task registry stays authoritative; an archive, when
// configured, receives the whole task record on every status
// transition so finished chains survive a restart for inspection.
package storage

import (
	"github.com/pkg/errors"

	"github.com/iding2959/ys-movie/pkg/models"
)

// ErrNotFound is returned when a task id was never archived.
var ErrNotFound = errors.New("task not found")

// Store archives task snapshots.
type Store interface {
	// SaveTask upserts the whole task record atomically.
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	// ListTasks returns archived tasks newest-first, up to limit
	// (limit <= 0 means no limit).
	ListTasks(limit int) ([]models.Task, error)
	Close() error
}

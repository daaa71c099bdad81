package service

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/iding2959/ys-movie/pkg/models"
)

// ErrTaskNotFound is returned for ids the registry never saw.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskExists rejects creating a duplicate task id.
var ErrTaskExists = errors.New("task already exists")

// TaskRegistry is the single authoritative, thread-safe store of task
// records. Each task has its own critical section so watchers of
// independent tasks never contend; the registry-wide lock only guards
// the id index. All reads hand out deep-copied snapshots.
type TaskRegistry struct {
	mu       sync.RWMutex
	entries  map[string]*taskEntry
	order    []string
	maxTasks int
}

type taskEntry struct {
	mu     sync.Mutex
	task   models.Task
	cancel bool
}

// NewTaskRegistry builds a registry retaining at most maxTasks records;
// once the cap is exceeded the oldest terminal tasks are evicted
// (in-flight tasks are never evicted). maxTasks <= 0 disables the cap.
func NewTaskRegistry(maxTasks int) *TaskRegistry {
	return &TaskRegistry{
		entries:  make(map[string]*taskEntry),
		maxTasks: maxTasks,
	}
}

// Create registers a new task record.
func (r *TaskRegistry) Create(t models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[t.ID]; ok {
		return errors.Wrap(ErrTaskExists, t.ID)
	}
	r.entries[t.ID] = &taskEntry{task: t.Clone()}
	r.order = append(r.order, t.ID)
	r.evictLocked()
	return nil
}

func (r *TaskRegistry) evictLocked() {
	if r.maxTasks <= 0 {
		return
	}
	for len(r.entries) > r.maxTasks {
		evicted := false
		for i, id := range r.order {
			entry := r.entries[id]
			if entry == nil {
				r.order = append(r.order[:i], r.order[i+1:]...)
				evicted = true
				break
			}
			entry.mu.Lock()
			terminal := entry.task.Status.Terminal()
			entry.mu.Unlock()
			if terminal {
				delete(r.entries, id)
				r.order = append(r.order[:i], r.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (r *TaskRegistry) entry(id string) (*taskEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, errors.Wrap(ErrTaskNotFound, id)
	}
	return entry, nil
}

// Get returns a snapshot of the task.
func (r *TaskRegistry) Get(id string) (models.Task, error) {
	entry, err := r.entry(id)
	if err != nil {
		return models.Task{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task.Clone(), nil
}

// Update applies mutate to a working copy under the task's critical
// section and commits it, preserving the monotonic-status invariant:
// mutating a task already in a terminal state, or moving its status
// backward, is a silent no-op that returns the unchanged snapshot.
// Duplicate completion notifications from the backend are expected, so
// idempotence here is by design rather than an error.
func (r *TaskRegistry) Update(id string, mutate func(*models.Task)) (models.Task, error) {
	entry, err := r.entry(id)
	if err != nil {
		return models.Task{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	prev := entry.task
	if prev.Status.Terminal() {
		return prev.Clone(), nil
	}
	work := prev.Clone()
	mutate(&work)
	if work.Status.Before(prev.Status) {
		return prev.Clone(), nil
	}
	work.ID = prev.ID
	work.CreatedAt = prev.CreatedAt
	if work.Status.Terminal() && prev.CompletedAt == nil {
		now := time.Now()
		work.CompletedAt = &now
	}
	entry.task = work
	return work.Clone(), nil
}

// List returns snapshots newest-first, up to limit (limit <= 0 means
// everything).
func (r *TaskRegistry) List(limit int) []models.Task {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	out := make([]models.Task, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		entry, err := r.entry(ids[i])
		if err != nil {
			continue
		}
		entry.mu.Lock()
		out = append(out, entry.task.Clone())
		entry.mu.Unlock()
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MarkCancel flags a task for cancellation. Watchers check the flag at
// the top of each poll tick; the watcher itself is never terminated
// forcefully. Flagging a terminal task is a harmless no-op.
func (r *TaskRegistry) MarkCancel(id string) error {
	entry, err := r.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.cancel = true
	return nil
}

// Cancelled reports whether a task was flagged for cancellation.
func (r *TaskRegistry) Cancelled(id string) bool {
	entry, err := r.entry(id)
	if err != nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.cancel
}

// Len reports the number of retained tasks.
func (r *TaskRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

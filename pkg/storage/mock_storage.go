package storage

import (
	"sort"
	"sync"

	"github.com/iding2959/ys-movie/pkg/models"
)

// mockStore implements Store with in-memory storage.
type mockStore struct {
	mu    sync.Mutex
	tasks map[string]models.Task
}

func NewMockStore() Store {
	return &mockStore{tasks: make(map[string]models.Task)}
}

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *mockStore) ListTasks(limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) Close() error {
	return nil
}

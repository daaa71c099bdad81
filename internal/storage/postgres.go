// Package storage provides the Postgres-backed task archive. The whole
// task record, segment list included, is written as one row on every
// status transition.
package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/iding2959/ys-movie/pkg/models"
	"github.com/iding2959/ys-movie/pkg/storage"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type taskRow struct {
	ID          string     `db:"id"`
	Kind        string     `db:"kind"`
	Status      string     `db:"status"`
	ErrorMsg    string     `db:"error_msg"`
	TimeoutSec  int        `db:"timeout_sec"`
	Params      []byte     `db:"params"`
	Segments    []byte     `db:"segments"`
	Result      []byte     `db:"result"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func toRow(t models.Task) (taskRow, error) {
	segments, err := json.Marshal(t.Segments)
	if err != nil {
		return taskRow{}, errors.Wrap(err, "encode segments")
	}
	row := taskRow{
		ID:          t.ID,
		Kind:        t.Kind,
		Status:      string(t.Status),
		ErrorMsg:    t.ErrorMsg,
		TimeoutSec:  t.TimeoutSec,
		Segments:    segments,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Params != nil {
		if row.Params, err = json.Marshal(t.Params); err != nil {
			return taskRow{}, errors.Wrap(err, "encode params")
		}
	}
	if t.Result != nil {
		if row.Result, err = json.Marshal(t.Result); err != nil {
			return taskRow{}, errors.Wrap(err, "encode result")
		}
	}
	return row, nil
}

func (r taskRow) toTask() (models.Task, error) {
	t := models.Task{
		ID:          r.ID,
		Kind:        r.Kind,
		Status:      models.TaskStatus(r.Status),
		ErrorMsg:    r.ErrorMsg,
		TimeoutSec:  r.TimeoutSec,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
	if err := json.Unmarshal(r.Segments, &t.Segments); err != nil {
		return models.Task{}, errors.Wrapf(err, "decode segments of task %s", r.ID)
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &t.Params); err != nil {
			return models.Task{}, errors.Wrapf(err, "decode params of task %s", r.ID)
		}
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &t.Result); err != nil {
			return models.Task{}, errors.Wrapf(err, "decode result of task %s", r.ID)
		}
	}
	return t, nil
}

// SaveTask upserts the whole task record in one statement, so every
// archived state is a consistent snapshot.
func (s *PostgresStore) SaveTask(t models.Task) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, kind, status, error_msg, timeout_sec, params, segments, result, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error_msg = EXCLUDED.error_msg,
			params = EXCLUDED.params,
			segments = EXCLUDED.segments,
			result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at`,
		row.ID, row.Kind, row.Status, row.ErrorMsg, row.TimeoutSec,
		row.Params, row.Segments, row.Result, row.CreatedAt, row.CompletedAt)
	return errors.Wrapf(err, "save task %s", t.ID)
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var row taskRow
	err := s.db.Get(&row, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "get task %s", id)
	}
	return row.toTask()
}

func (s *PostgresStore) ListTasks(limit int) ([]models.Task, error) {
	query := "SELECT * FROM tasks ORDER BY created_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	var rows []taskRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

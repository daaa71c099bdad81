// Package backend talks to the external graph-execution service. It
// covers the full job lifecycle contract: synchronous submission
// acknowledgment, status polling, result fetch, best-effort interrupt
// and an optional push channel mirroring the poll states.
package backend

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/iding2959/ys-movie/pkg/graph"
	"github.com/iding2959/ys-movie/pkg/models"
)

// JobState is the backend-reported lifecycle state of one submitted job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the job can make no further progress.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatus is one poll observation.
type JobStatus struct {
	State  JobState
	Detail string
}

// JobEvent is one push-channel observation. Push events are a hint to
// wake a watcher early; polling remains the authoritative source, so a
// missed or duplicated event is harmless.
type JobEvent struct {
	Handle string
	State  JobState
	Detail string
}

// Outputs maps node ids to the artifacts they produced.
type Outputs = map[string][]models.Artifact

// ErrUnreachable marks a transport-level failure reaching the backend.
var ErrUnreachable = errors.New("backend unreachable")

// ErrNoPushChannel is returned by Events when the backend offers none.
var ErrNoPushChannel = errors.New("backend push channel unavailable")

// RejectedError carries the backend's non-success acknowledgment of a
// submission.
type RejectedError struct {
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backend rejected submission: %s", e.Detail)
}

// Client is the backend contract the orchestration core depends on.
// Submit must be a single attempt with no internal retry; retry policy
// belongs to the caller.
type Client interface {
	Submit(ctx context.Context, g graph.Graph) (string, error)
	Poll(ctx context.Context, handle string) (JobStatus, error)
	FetchResult(ctx context.Context, handle string) (Outputs, error)
	Interrupt(ctx context.Context, handle string) error
	Events(ctx context.Context) (<-chan JobEvent, error)
}

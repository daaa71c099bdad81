package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	SubmittedTaskStatus TaskStatus = "SUBMITTED"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
)

// Terminal reports whether the status allows no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus
}

// rank orders statuses along the lifecycle so that backward transitions
// can be rejected. Both terminal statuses share the top rank; FAILED is
// reachable from any non-terminal state.
func (s TaskStatus) rank() int {
	switch s {
	case PendingTaskStatus:
		return 0
	case SubmittedTaskStatus:
		return 1
	case RunningTaskStatus:
		return 2
	case CompletedTaskStatus, FailedTaskStatus:
		return 3
	}
	return -1
}

// Before reports whether s precedes other in the lifecycle ordering.
func (s TaskStatus) Before(other TaskStatus) bool {
	return s.rank() < other.rank()
}

// Artifact is one backend-reported output file (or inline text) of a
// single graph node.
type Artifact struct {
	Filename  string `json:"filename,omitempty"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
	Kind      string `json:"kind"` // "image", "video", "text" or "other"
	Content   string `json:"content,omitempty"`
}

// HandoffRef points at the continuity output of the previous segment:
// the node (in that segment's namespace) whose artifacts carry the last
// overlap frames used to seed this segment.
type HandoffRef struct {
	SegmentIndex int    `json:"segment_index"`
	NodeID       string `json:"node_id"`
}

// Segment is one chained sub-job within a task. Segments are planned
// all at once at task creation; JobHandle stays empty until the segment
// is actually submitted to the backend.
type Segment struct {
	Index         int         `json:"index"`
	NodeNamespace int         `json:"node_namespace"`
	Seed          int64       `json:"seed"`
	Prompt        string      `json:"prompt,omitempty"`
	HandoffInput  *HandoffRef `json:"handoff_input,omitempty"`
	JobHandle     string      `json:"job_handle,omitempty"`
	Status        TaskStatus  `json:"status"`
}

// Task is one user-visible unit of work. The ID equals the backend job
// handle of segment 0, so callers track a whole chain under one id.
// Tasks are owned and mutated exclusively by the task registry; every
// other component works with snapshots.
type Task struct {
	ID          string                `json:"id" db:"id"`
	Kind        string                `json:"kind" db:"kind"`
	Status      TaskStatus            `json:"status" db:"status"`
	Params      map[string]any        `json:"params,omitempty"`
	Segments    []Segment             `json:"segments"`
	Result      map[string][]Artifact `json:"result,omitempty"`
	ErrorMsg    string                `json:"error,omitempty" db:"error_msg"`
	TimeoutSec  int                   `json:"timeout_sec" db:"timeout_sec"`
	CreatedAt   time.Time             `json:"created_at" db:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty" db:"completed_at"`
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (t Task) Clone() Task {
	out := t
	if t.Params != nil {
		out.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			out.Params[k] = v
		}
	}
	if t.Segments != nil {
		out.Segments = make([]Segment, len(t.Segments))
		for i, s := range t.Segments {
			if s.HandoffInput != nil {
				ref := *s.HandoffInput
				s.HandoffInput = &ref
			}
			out.Segments[i] = s
		}
	}
	if t.Result != nil {
		out.Result = make(map[string][]Artifact, len(t.Result))
		for node, arts := range t.Result {
			cp := make([]Artifact, len(arts))
			copy(cp, arts)
			out.Result[node] = cp
		}
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

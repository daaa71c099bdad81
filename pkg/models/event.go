package models

import "time"

// Event describes one task status transition, broadcast to subscribers.
type Event struct {
	TaskID    string     `json:"task_id"`
	Segment   int        `json:"segment"`
	OldStatus TaskStatus `json:"old_status"`
	NewStatus TaskStatus `json:"new_status"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

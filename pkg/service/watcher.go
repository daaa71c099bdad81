package service

import (
	"fmt"
	"time"

	"github.com/iding2959/ys-movie/pkg/backend"
	"github.com/iding2959/ys-movie/pkg/models"
)

// startWatcher spawns the background completion watcher for one
// submitted segment. One watcher exists per in-flight segment; it talks
// to the rest of the system only through the registry and the hub.
func (s *GenerationService) startWatcher(taskID string, segIndex int, handle string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchSegment(taskID, segIndex, handle)
	}()
}

// watchSegment waits for one backend job to finish, preferring push
// events but always falling back to polling, then either finalizes the
// task or submits the next segment of the chain.
func (s *GenerationService) watchSegment(taskID string, segIndex int, handle string) {
	state, ok := s.chainState(taskID)
	if !ok {
		s.logger.Errorf("No chain state for task %s, watcher exiting", taskID)
		return
	}

	events := make(chan backend.JobEvent, 8)
	s.routes.Store(handle, events)
	defer s.routes.Delete(handle)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(time.Until(state.deadline))
	defer deadline.Stop()

	sawRunning := segIndex > 0 // mid-chain tasks are already RUNNING
	for {
		select {
		case <-s.ctx.Done():
			return

		case <-deadline.C:
			timeout := time.Duration(0)
			if t, err := s.registry.Get(taskID); err == nil {
				timeout = time.Duration(t.TimeoutSec) * time.Second
			}
			s.failTask(taskID, segIndex, state,
				fmt.Sprintf("timed out after %s while waiting on segment %d", timeout, segIndex))
			s.abandonJob(handle)
			return

		case ev := <-events:
			if ev.Handle != handle {
				continue
			}
			// Push events are wake-up hints, not authority: the backend
			// can emit a terminal socket message before its result is
			// readable, so a terminal hint is confirmed by a poll and
			// discarded when the poll does not agree yet. Only
			// poll-derived terminal states finalize the segment.
			status := backend.JobStatus{State: ev.State, Detail: ev.Detail}
			if ev.State.Terminal() {
				confirmed, err := s.backend.Poll(s.ctx, handle)
				if err != nil {
					s.logger.Errorf("Poll after push hint for job %s failed: %v", handle, err)
					continue
				}
				if !confirmed.State.Terminal() {
					continue
				}
				status = confirmed
			}
			if s.observe(taskID, segIndex, handle, state, status, &sawRunning) {
				return
			}

		case <-ticker.C:
			if s.registry.Cancelled(taskID) {
				s.failTask(taskID, segIndex, state, "cancelled by caller")
				s.abandonJob(handle)
				return
			}
			status, err := s.backend.Poll(s.ctx, handle)
			if err != nil {
				// Transient poll failures are tolerated; the deadline
				// bounds how long we keep trying.
				s.logger.Errorf("Poll for job %s failed: %v", handle, err)
				continue
			}
			if s.observe(taskID, segIndex, handle, state, status, &sawRunning) {
				return
			}
		}
	}
}

// observe processes one status observation. It returns true when the
// segment reached a terminal state and the watcher should exit.
func (s *GenerationService) observe(taskID string, segIndex int, handle string, state *chainState, status backend.JobStatus, sawRunning *bool) bool {
	switch status.State {
	case backend.JobQueued:
		return false

	case backend.JobRunning:
		if !*sawRunning {
			*sawRunning = true
			prev, updated := s.transition(taskID, func(t *models.Task) {
				t.Status = models.RunningTaskStatus
				t.Segments[segIndex].Status = models.RunningTaskStatus
			})
			if updated.Status != prev {
				s.emit(taskID, segIndex, prev, updated.Status, "")
				s.persist(updated)
			}
		}
		return false

	case backend.JobFailed:
		detail := status.Detail
		if detail == "" {
			detail = "backend reported failure"
		}
		s.failTask(taskID, segIndex, state, fmt.Sprintf("segment %d: %s", segIndex, detail))
		return true

	case backend.JobCompleted:
		s.completeSegment(taskID, segIndex, handle, state)
		return true
	}
	return false
}

// completeSegment records a finished segment and either finalizes the
// task or builds, submits and watches the next segment of the chain.
func (s *GenerationService) completeSegment(taskID string, segIndex int, handle string, state *chainState) {
	outputs, err := s.backend.FetchResult(s.ctx, handle)
	if err != nil {
		s.failTask(taskID, segIndex, state, fmt.Sprintf("segment %d result fetch: %v", segIndex, err))
		return
	}

	prev, updated := s.transition(taskID, func(t *models.Task) {
		t.Segments[segIndex].Status = models.CompletedTaskStatus
		if t.Result == nil {
			t.Result = make(map[string][]models.Artifact, len(outputs))
		}
		// Disjoint per-segment namespaces keep the aggregate collision-free.
		for node, arts := range outputs {
			t.Result[node] = arts
		}
		if segIndex == len(t.Segments)-1 {
			t.Status = models.CompletedTaskStatus
		} else {
			t.Status = models.RunningTaskStatus
		}
	})

	if updated.Status == models.CompletedTaskStatus {
		s.emit(taskID, segIndex, prev, updated.Status, "")
		s.persist(updated)
		tasksCompleted.WithLabelValues(updated.Kind).Inc()
		s.chains.Delete(taskID)
		s.logger.Infof("Task %s completed (%d segment(s))", taskID, len(updated.Segments))
		return
	}
	if updated.Status.Terminal() {
		// Lost the race against a concurrent failure; nothing to chain.
		return
	}
	if updated.Status != prev {
		s.emit(taskID, segIndex, prev, updated.Status, "")
	}
	s.persist(updated)
	s.submitNextSegment(taskID, segIndex+1, updated, outputs, state)
}

// submitNextSegment resolves the handoff artifact from the finished
// segment's outputs, builds the next concrete graph and submits it.
// Any failure here fails the whole task: there is no partial-success
// continuation, later segments are never submitted.
func (s *GenerationService) submitNextSegment(taskID string, segIndex int, task models.Task, outputs backend.Outputs, state *chainState) {
	handoff := task.Segments[segIndex].HandoffInput
	if handoff == nil {
		s.failTask(taskID, segIndex, state, fmt.Sprintf("segment %d has no handoff reference", segIndex))
		return
	}
	artifact := continuityArtifact(outputs[handoff.NodeID])
	if artifact == "" {
		s.failTask(taskID, segIndex-1, state,
			fmt.Sprintf("segment %d produced no continuity output at node %s", segIndex-1, handoff.NodeID))
		return
	}

	g, err := s.planner.BuildSegmentGraph(state.kind, task.Segments, segIndex, artifact, state.overrides)
	if err != nil {
		s.failTask(taskID, segIndex, state, fmt.Sprintf("segment %d graph build: %v", segIndex, err))
		return
	}

	nextHandle, err := s.backend.Submit(s.ctx, g)
	if err != nil {
		s.failTask(taskID, segIndex, state, fmt.Sprintf("segment %d submission: %v", segIndex, err))
		return
	}

	_, updated := s.transition(taskID, func(t *models.Task) {
		t.Segments[segIndex].JobHandle = nextHandle
		t.Segments[segIndex].Status = models.SubmittedTaskStatus
	})
	if updated.Status.Terminal() {
		return
	}
	s.persist(updated)
	segmentsSubmitted.Inc()
	s.logger.Infof("Task %s: submitted segment %d as job %s", taskID, segIndex, nextHandle)
	s.startWatcher(taskID, segIndex, nextHandle)
}

// continuityArtifact picks the artifact filename handed to the next
// segment as its start state.
func continuityArtifact(arts []models.Artifact) string {
	for _, a := range arts {
		if a.Filename == "" {
			continue
		}
		if a.Subfolder != "" {
			return a.Subfolder + "/" + a.Filename
		}
		return a.Filename
	}
	return ""
}

// failTask funnels every failure mode into the single terminal FAILED
// status. The segment list stays inspectable for diagnosis.
func (s *GenerationService) failTask(taskID string, segIndex int, state *chainState, detail string) {
	prev, updated := s.transition(taskID, func(t *models.Task) {
		t.Status = models.FailedTaskStatus
		t.ErrorMsg = detail
		if segIndex < len(t.Segments) {
			t.Segments[segIndex].Status = models.FailedTaskStatus
		}
	})
	if updated.Status != models.FailedTaskStatus || prev == models.FailedTaskStatus {
		return
	}
	s.emit(taskID, segIndex, prev, updated.Status, detail)
	s.persist(updated)
	tasksFailed.WithLabelValues(updated.Kind).Inc()
	s.chains.Delete(taskID)
	s.logger.Errorf("Task %s failed: %s", taskID, detail)
}

// abandonJob makes a best-effort attempt to interrupt a backend job the
// core no longer tracks. Failure is logged, never escalated; the
// backend job may keep running untracked.
func (s *GenerationService) abandonJob(handle string) {
	if err := s.backend.Interrupt(s.ctx, handle); err != nil {
		s.logger.Errorf("Failed to interrupt job %s: %v", handle, err)
	}
}

// transition runs a registry update and returns the prior status along
// with the committed snapshot.
func (s *GenerationService) transition(taskID string, mutate func(*models.Task)) (models.TaskStatus, models.Task) {
	prev := models.TaskStatus("")
	if t, err := s.registry.Get(taskID); err == nil {
		prev = t.Status
	}
	updated, err := s.registry.Update(taskID, mutate)
	if err != nil {
		s.logger.Errorf("Registry update for task %s failed: %v", taskID, err)
		return prev, models.Task{Status: prev}
	}
	return prev, updated
}

// chainState loads the per-task chain context.
func (s *GenerationService) chainState(taskID string) (*chainState, bool) {
	v, ok := s.chains.Load(taskID)
	if !ok {
		return nil, false
	}
	return v.(*chainState), true
}

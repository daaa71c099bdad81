// Package service is the job orchestration core: it accepts generation
// requests, plans and patches execution graphs, submits them to the
// backend, tracks their asynchronous lifecycle and fans status changes
// out to observers. For requests larger than one backend invocation it
// drives an ordered chain of dependent sub-jobs with frame handoff
// between them.
package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/iding2959/ys-movie/pkg/backend"
	"github.com/iding2959/ys-movie/pkg/graph"
	"github.com/iding2959/ys-movie/pkg/models"
	"github.com/iding2959/ys-movie/pkg/planner"
	"github.com/iding2959/ys-movie/pkg/storage"
)

// Logger defines the logging interface for the orchestration core.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config tunes the orchestration core.
type Config struct {
	// PollInterval between backend status checks per watcher.
	PollInterval time.Duration
	// DefaultTimeout caps a task when the request sets none; chained
	// tasks get at least TimeoutPerUnit per requested unit.
	DefaultTimeout time.Duration
	TimeoutPerUnit time.Duration
	// MaxDurationSeconds bounds the requestable chain length.
	MaxDurationSeconds int
	// MaxTasks bounds registry retention (oldest terminal evicted).
	MaxTasks int
	// EventBuffer sizes each subscriber's queue.
	EventBuffer int
	// Planner carries the seed/namespace derivation constants.
	Planner planner.Config
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 600 * time.Second
	}
	if c.TimeoutPerUnit <= 0 {
		c.TimeoutPerUnit = 30 * time.Second
	}
	if c.MaxDurationSeconds <= 0 {
		c.MaxDurationSeconds = 30
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 100
	}
	return c
}

// SubmitRequest is one caller-facing generation request. The json tags
// define the HTTP request body; decoders should start from a request
// with BaseSeed -1 so an omitted seed randomizes.
type SubmitRequest struct {
	Kind string `json:"kind"`
	// Prompts: empty keeps the template text, one prompt is replicated
	// across segments, or exactly one prompt per segment.
	Prompts []string `json:"prompts,omitempty"`
	// Overrides are literal (node, input) -> value patches applied
	// identically to every segment's graph.
	Overrides []graph.Override `json:"overrides,omitempty"`
	// DurationSeconds must be a positive multiple of the kind's unit
	// for chained kinds; 0 means one unit. Ignored-as-invalid for
	// non-chained kinds.
	DurationSeconds int `json:"duration_seconds,omitempty"`
	// BaseSeed < 0 draws a random base seed.
	BaseSeed int64 `json:"base_seed"`
	// TimeoutSeconds overrides the derived overall task timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// OutputPrefix names the backend output files, when the kind
	// supports it; defaults to kind plus a short random tag.
	OutputPrefix string `json:"output_prefix,omitempty"`
	// Params is the caller's raw parameter set, kept verbatim on the
	// task for audit.
	Params map[string]any `json:"params,omitempty"`
}

// GraphRequest runs a caller-provided concrete graph as a one-off task
// under the pseudo-kind "workflow": no planning, no chaining, the graph
// is patched with the overrides and handed to the backend as-is.
type GraphRequest struct {
	Workflow       graph.Graph      `json:"workflow"`
	Overrides      []graph.Override `json:"overrides,omitempty"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
	Params         map[string]any   `json:"params,omitempty"`
}

// GraphTaskKind is the kind recorded on tasks created by SubmitGraph.
const GraphTaskKind = "workflow"

// chainState is the per-task context watchers need to drive the chain.
type chainState struct {
	kind      *graph.Kind
	overrides []graph.Override
	deadline  time.Time
}

// GenerationService owns the orchestration core. Construct it
// explicitly and pass it into whatever serves the external interface;
// there is no ambient global state.
type GenerationService struct {
	cfg      Config
	kinds    *graph.Registry
	backend  backend.Client
	planner  *planner.Planner
	registry *TaskRegistry
	hub      *NotificationHub
	archive  storage.Store
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	chains sync.Map // task id -> *chainState
	routes sync.Map // job handle -> chan backend.JobEvent
}

// NewGenerationService wires the core together. archive may be nil to
// run purely in memory.
func NewGenerationService(ctx context.Context, cfg Config, kinds *graph.Registry, client backend.Client, archive storage.Store, logger Logger) *GenerationService {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &GenerationService{
		cfg:      cfg,
		kinds:    kinds,
		backend:  client,
		planner:  planner.New(cfg.Planner),
		registry: NewTaskRegistry(cfg.MaxTasks),
		hub:      NewNotificationHub(cfg.EventBuffer),
		archive:  archive,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.startPushListener()
	return s
}

// startPushListener attaches to the backend's push channel when one is
// available and routes events to the watcher for each handle. Push is
// only a wake-up hint; watchers keep polling regardless.
func (s *GenerationService) startPushListener() {
	events, err := s.backend.Events(s.ctx)
	if err != nil {
		s.logger.Infof("No backend push channel, polling only: %v", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case ev, open := <-events:
				if !open {
					s.logger.Infof("Backend push channel closed, watchers continue polling")
					return
				}
				if ch, ok := s.routes.Load(ev.Handle); ok {
					select {
					case ch.(chan backend.JobEvent) <- ev:
					default:
					}
				}
			}
		}
	}()
}

// Submit plans a request, submits its first segment and registers the
// task. It returns as soon as segment 0 is acknowledged; all further
// progress happens on background watchers. Planner and patcher errors
// reject the request before any task exists. A backend failure on
// segment 0 still creates a task record, already FAILED, so the outcome
// stays visible to the caller; the error is returned alongside its id.
func (s *GenerationService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	kind, err := s.kinds.Get(req.Kind)
	if err != nil {
		return "", err
	}
	if kind.Spec.Chain != nil && req.DurationSeconds > s.cfg.MaxDurationSeconds {
		return "", errors.Wrapf(planner.ErrInvalidDuration,
			"%ds exceeds the %ds maximum", req.DurationSeconds, s.cfg.MaxDurationSeconds)
	}

	baseSeed := req.BaseSeed
	if baseSeed < 0 {
		baseSeed = rand.Int63()
	}
	segments, err := s.planner.Plan(kind, req.DurationSeconds, baseSeed, req.Prompts)
	if err != nil {
		return "", err
	}

	overrides := req.Overrides
	if kind.Spec.OutputPrefixInput != nil {
		prefix := req.OutputPrefix
		if prefix == "" {
			prefix = kind.Spec.Name + "_" + uuid.NewString()[:8]
		}
		overrides = append(overrides[:len(overrides):len(overrides)], graph.Override{
			Node:  kind.Spec.OutputPrefixInput.Node,
			Input: kind.Spec.OutputPrefixInput.Input,
			Value: prefix,
		})
	}

	g0, err := s.planner.BuildSegmentGraph(kind, segments, 0, "", overrides)
	if err != nil {
		return "", err
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
		if kind.Spec.Chain != nil {
			derived := time.Duration(len(segments)*kind.Spec.Chain.UnitSeconds) * s.cfg.TimeoutPerUnit
			if derived > timeout {
				timeout = derived
			}
		}
	}

	task := models.Task{
		Kind:       req.Kind,
		Status:     models.PendingTaskStatus,
		Params:     req.Params,
		Segments:   segments,
		TimeoutSec: int(timeout / time.Second),
		CreatedAt:  time.Now(),
	}

	handle, submitErr := s.backend.Submit(ctx, g0)
	if submitErr != nil {
		s.logger.Errorf("Segment 0 submission for kind %s failed: %v", req.Kind, submitErr)
		return s.recordSubmitFailure(task, submitErr), submitErr
	}

	task.ID = handle
	task.Status = models.SubmittedTaskStatus
	task.Segments[0].JobHandle = handle
	task.Segments[0].Status = models.SubmittedTaskStatus
	if err := s.registry.Create(task); err != nil {
		return "", err
	}
	s.chains.Store(task.ID, &chainState{
		kind:      kind,
		overrides: overrides,
		deadline:  time.Now().Add(timeout),
	})
	s.emit(task.ID, 0, models.PendingTaskStatus, models.SubmittedTaskStatus, "")
	s.persist(task)
	tasksSubmitted.WithLabelValues(task.Kind).Inc()
	segmentsSubmitted.Inc()
	s.logger.Infof("Submitted task %s (kind %s, %d segment(s), seed %d)", task.ID, task.Kind, len(segments), baseSeed)

	s.startWatcher(task.ID, 0, handle)
	return task.ID, nil
}

// SubmitGraph accepts a complete caller-provided graph and runs it as a
// single-segment task, the escape hatch for graphs no registered kind
// covers. Override validation applies as usual; everything else about
// the graph is the caller's responsibility.
func (s *GenerationService) SubmitGraph(ctx context.Context, req GraphRequest) (string, error) {
	if len(req.Workflow) == 0 {
		return "", errors.New("workflow graph is empty")
	}
	g, err := req.Workflow.Patch(req.Overrides)
	if err != nil {
		return "", err
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	task := models.Task{
		Kind:       GraphTaskKind,
		Status:     models.PendingTaskStatus,
		Params:     req.Params,
		Segments:   []models.Segment{{Index: 0}},
		TimeoutSec: int(timeout / time.Second),
		CreatedAt:  time.Now(),
	}

	handle, submitErr := s.backend.Submit(ctx, g)
	if submitErr != nil {
		s.logger.Errorf("Workflow submission failed: %v", submitErr)
		return s.recordSubmitFailure(task, submitErr), submitErr
	}

	task.ID = handle
	task.Status = models.SubmittedTaskStatus
	task.Segments[0].JobHandle = handle
	task.Segments[0].Status = models.SubmittedTaskStatus
	if err := s.registry.Create(task); err != nil {
		return "", err
	}
	s.chains.Store(task.ID, &chainState{deadline: time.Now().Add(timeout)})
	s.emit(task.ID, 0, models.PendingTaskStatus, models.SubmittedTaskStatus, "")
	s.persist(task)
	tasksSubmitted.WithLabelValues(task.Kind).Inc()
	segmentsSubmitted.Inc()
	s.logger.Infof("Submitted workflow task %s (%d nodes)", task.ID, len(g))

	s.startWatcher(task.ID, 0, handle)
	return task.ID, nil
}

// recordSubmitFailure registers a task whose first submission failed as
// an already-FAILED record. The task id normally equals segment 0's job
// handle; with no handle to adopt, a locally generated id keeps the
// failure visible through the registry.
func (s *GenerationService) recordSubmitFailure(task models.Task, submitErr error) string {
	task.ID = uuid.NewString()
	task.Status = models.FailedTaskStatus
	task.ErrorMsg = submitErr.Error()
	now := time.Now()
	task.CompletedAt = &now
	task.Segments[0].Status = models.FailedTaskStatus
	if err := s.registry.Create(task); err != nil {
		s.logger.Errorf("Failed to record failed task: %v", err)
	}
	s.emit(task.ID, 0, models.PendingTaskStatus, models.FailedTaskStatus, task.ErrorMsg)
	s.persist(task)
	tasksFailed.WithLabelValues(task.Kind).Inc()
	return task.ID
}

// GetTask returns a snapshot; an id that was ever created keeps
// resolving, falling back to the archive once evicted from memory.
func (s *GenerationService) GetTask(id string) (models.Task, error) {
	task, err := s.registry.Get(id)
	if err == nil {
		return task, nil
	}
	if s.archive != nil {
		archived, archErr := s.archive.GetTask(id)
		if archErr == nil {
			return archived, nil
		}
	}
	return models.Task{}, err
}

// ListTasks returns retained task snapshots newest-first.
func (s *GenerationService) ListTasks(limit int) []models.Task {
	return s.registry.List(limit)
}

// CancelTask flags a task for cancellation; the flag is honored at the
// top of the owning watcher's next poll tick.
func (s *GenerationService) CancelTask(id string) error {
	return s.registry.MarkCancel(id)
}

// Kinds lists the registered request kinds.
func (s *GenerationService) Kinds() []string {
	return s.kinds.Kinds()
}

// Subscribe registers an observer for task status change events.
func (s *GenerationService) Subscribe() *Subscription {
	return s.hub.Subscribe()
}

// Unsubscribe removes an observer.
func (s *GenerationService) Unsubscribe(sub *Subscription) {
	s.hub.Unsubscribe(sub)
}

// Close stops all watchers and shuts down the hub. In-memory task state
// is discarded; the archive, when configured, retains final snapshots.
func (s *GenerationService) Close() {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
}

func (s *GenerationService) emit(taskID string, segment int, from, to models.TaskStatus, errMsg string) {
	s.hub.Broadcast(models.Event{
		TaskID:    taskID,
		Segment:   segment,
		OldStatus: from,
		NewStatus: to,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// persist archives a snapshot, best-effort.
func (s *GenerationService) persist(t models.Task) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveTask(t); err != nil {
		s.logger.Errorf("Failed to archive task %s: %v", t.ID, err)
	}
}

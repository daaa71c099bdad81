package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/iding2959/ys-movie/pkg/graph"
	"github.com/iding2959/ys-movie/pkg/models"
)

// MockClient implements Client in memory. Tests drive it explicitly via
// Complete/Fail; the mock serve mode lets it auto-complete after a
// delay, producing one synthetic artifact per graph node so continuity
// lookups always succeed.
type MockClient struct {
	mu          sync.Mutex
	jobs        map[string]*mockJob
	order       []string
	interrupted map[string]int
	submitErr   error
	autoDelay   time.Duration
	subs        []chan JobEvent
}

type mockJob struct {
	state   JobState
	detail  string
	outputs Outputs
	graph   graph.Graph
}

func NewMockClient() *MockClient {
	return &MockClient{
		jobs:        make(map[string]*mockJob),
		interrupted: make(map[string]int),
	}
}

// NewAutoMockClient returns a mock that completes every submission
// after delay, for running the server without a real backend.
func NewAutoMockClient(delay time.Duration) *MockClient {
	m := NewMockClient()
	m.autoDelay = delay
	return m
}

// FailNextSubmit makes the next Submit call return err once.
func (m *MockClient) FailNextSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

func (m *MockClient) Submit(_ context.Context, g graph.Graph) (string, error) {
	m.mu.Lock()
	if m.submitErr != nil {
		err := m.submitErr
		m.submitErr = nil
		m.mu.Unlock()
		return "", err
	}
	handle := uuid.NewString()
	m.jobs[handle] = &mockJob{state: JobQueued, graph: g}
	m.order = append(m.order, handle)
	m.mu.Unlock()

	if m.autoDelay > 0 {
		time.AfterFunc(m.autoDelay, func() {
			m.Complete(handle, syntheticOutputs(handle, g))
		})
	}
	return handle, nil
}

func syntheticOutputs(handle string, g graph.Graph) Outputs {
	out := make(Outputs, len(g))
	for nodeID := range g {
		out[nodeID] = []models.Artifact{{
			Filename: fmt.Sprintf("%s_%s.png", handle[:8], nodeID),
			Type:     "output",
			Kind:     "image",
		}}
	}
	return out
}

func (m *MockClient) Poll(_ context.Context, handle string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[handle]
	if !ok {
		return JobStatus{}, errors.Errorf("unknown job handle %s", handle)
	}
	return JobStatus{State: job.state, Detail: job.detail}, nil
}

func (m *MockClient) FetchResult(_ context.Context, handle string) (Outputs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[handle]
	if !ok || job.state != JobCompleted {
		return nil, errors.Errorf("no result recorded for job %s", handle)
	}
	return job.outputs, nil
}

func (m *MockClient) Interrupt(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted[handle]++
	if job, ok := m.jobs[handle]; ok && !job.state.Terminal() {
		job.state = JobFailed
		job.detail = "job interrupted"
	}
	return nil
}

// Events mirrors the real client's contract: the returned channel is
// closed once ctx is cancelled, so consumers ranging over it unblock
// on shutdown.
func (m *MockClient) Events(ctx context.Context) (<-chan JobEvent, error) {
	m.mu.Lock()
	ch := make(chan JobEvent, 64)
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// Hint broadcasts a push event without touching the stored job state,
// the way a real backend's socket message can precede its readable
// result.
func (m *MockClient) Hint(handle string, state JobState, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast(JobEvent{Handle: handle, State: state, Detail: detail})
}

// Run marks a queued job as executing.
func (m *MockClient) Run(handle string) {
	m.setState(handle, JobRunning, "", nil)
}

// Complete finishes a job with the given outputs.
func (m *MockClient) Complete(handle string, outs Outputs) {
	m.setState(handle, JobCompleted, "", outs)
}

// Fail finishes a job with an error detail.
func (m *MockClient) Fail(handle, detail string) {
	m.setState(handle, JobFailed, detail, nil)
}

func (m *MockClient) setState(handle string, state JobState, detail string, outs Outputs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[handle]
	if !ok {
		return
	}
	job.state = state
	job.detail = detail
	if outs != nil {
		job.outputs = outs
	}
	m.broadcast(JobEvent{Handle: handle, State: state, Detail: detail})
}

// broadcast sends non-blocking to every subscriber. Callers hold m.mu,
// which keeps the send out of the way of a concurrent channel close in
// Events.
func (m *MockClient) broadcast(ev JobEvent) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Handles returns job handles in submission order.
func (m *MockClient) Handles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// SubmittedGraph returns the graph submitted under a handle.
func (m *MockClient) SubmittedGraph(handle string) graph.Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[handle]; ok {
		return job.graph
	}
	return nil
}

// Interrupted reports how many interrupt calls a handle received.
func (m *MockClient) Interrupted(handle string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted[handle]
}

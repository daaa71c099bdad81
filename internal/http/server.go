// Package http exposes the generation service over a REST API plus a
// websocket feed of task status updates.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iding2959/ys-movie/internal/log"
	"github.com/iding2959/ys-movie/pkg/backend"
	"github.com/iding2959/ys-movie/pkg/graph"
	"github.com/iding2959/ys-movie/pkg/planner"
	"github.com/iding2959/ys-movie/pkg/service"
	"github.com/iding2959/ys-movie/pkg/storage"
)

// response is the envelope every JSON endpoint answers with.
type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Server struct {
	svc      *service.GenerationService
	srv      *http.Server
	upgrader websocket.Upgrader
}

func NewServer(addr string, svc *service.GenerationService) *Server {
	s := &Server{
		svc: svc,
		upgrader: websocket.Upgrader{
			// The API is meant to sit behind the caller's own
			// front end, so cross-origin upgrades are allowed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmit)
		r.Post("/workflows", s.handleSubmitGraph)
		r.Get("/tasks", s.handleList)
		r.Get("/tasks/{id}", s.handleGet)
		r.Delete("/tasks/{id}", s.handleCancel)
		r.Get("/kinds", s.handleKinds)
	})
	r.Get("/ws", s.handleWS)

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.GetLogger().Infof("Starting ys-movie server on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.GetLogger().Errorf("Failed to write response: %v", err)
	}
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Code: 0, Message: "ok", Data: data})
}

// fail maps service errors onto HTTP statuses: caller mistakes become
// 400/404, backend trouble becomes 502, the rest is 500.
func fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var invalid *graph.InvalidOverrideError
	var rejected *backend.RejectedError
	switch {
	case errors.As(err, &invalid),
		errors.Is(err, planner.ErrInvalidDuration),
		errors.Is(err, planner.ErrPromptCount),
		errors.Is(err, graph.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &rejected), errors.Is(err, backend.ErrUnreachable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, response{Code: status, Message: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]string{"status": "up"})
}

func (s *Server) handleKinds(w http.ResponseWriter, _ *http.Request) {
	ok(w, s.svc.Kinds())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// An omitted base_seed randomizes, matching the CLI's -1 default.
	req := service.SubmitRequest{BaseSeed: -1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "invalid request body: " + err.Error()})
		return
	}
	if req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "missing 'kind'"})
		return
	}
	id, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		failSubmit(w, id, err)
		return
	}
	ok(w, map[string]string{"task_id": id})
}

// handleSubmitGraph runs a caller-provided concrete graph as a one-off
// task, for workflows no registered kind covers.
func (s *Server) handleSubmitGraph(w http.ResponseWriter, r *http.Request) {
	var req service.GraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "invalid request body: " + err.Error()})
		return
	}
	if len(req.Workflow) == 0 {
		writeJSON(w, http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "missing 'workflow'"})
		return
	}
	id, err := s.svc.SubmitGraph(r.Context(), req)
	if err != nil {
		failSubmit(w, id, err)
		return
	}
	ok(w, map[string]string{"task_id": id})
}

// failSubmit answers a failed submission. A task record may exist even
// when the backend rejected segment 0; the id is handed back so the
// caller can inspect it.
func failSubmit(w http.ResponseWriter, id string, err error) {
	status := http.StatusBadGateway
	var invalid *graph.InvalidOverrideError
	if errors.As(err, &invalid) ||
		errors.Is(err, planner.ErrInvalidDuration) ||
		errors.Is(err, planner.ErrPromptCount) ||
		errors.Is(err, graph.ErrUnknownKind) {
		status = http.StatusBadRequest
	}
	var data any
	if id != "" {
		data = map[string]string{"task_id": id}
	}
	writeJSON(w, status, response{Code: status, Message: err.Error(), Data: data})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "invalid 'limit'"})
			return
		}
		limit = n
	}
	ok(w, s.svc.ListTasks(limit))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.CancelTask(id); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]string{"task_id": id})
}

type wsMessage struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Segment   int    `json:"segment"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// handleWS streams task status transitions. Reads from the peer are
// discarded; the connection exists only to push updates.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.GetLogger().Errorf("Websocket upgrade failed: %v", err)
		return
	}
	sub := s.svc.Subscribe()
	defer s.svc.Unsubscribe(sub)
	defer conn.Close()

	// Reader goroutine notices the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, okCh := <-sub.Events():
			if !okCh {
				return
			}
			msg := wsMessage{
				Type:      "task_update",
				TaskID:    ev.TaskID,
				Segment:   ev.Segment,
				OldStatus: string(ev.OldStatus),
				NewStatus: string(ev.NewStatus),
				Error:     ev.Error,
				Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

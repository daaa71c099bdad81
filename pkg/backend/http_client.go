package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/iding2959/ys-movie/pkg/graph"
	"github.com/iding2959/ys-movie/pkg/models"
)

// Logger is the minimal logging surface this package needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// HTTPClient implements Client against a ComfyUI-style HTTP API:
// POST /prompt, GET /history/{id}, GET /queue, POST /interrupt and a
// websocket at /ws pushing execution events.
type HTTPClient struct {
	baseURL  string
	wsURL    string
	clientID string
	hc       *http.Client
	logger   Logger
}

// NewHTTPClient builds a client for server ("host:port"). The client id
// scopes the websocket event stream to this process.
func NewHTTPClient(server, protocol, wsProtocol string, logger Logger) *HTTPClient {
	if protocol == "" {
		protocol = "http"
	}
	if wsProtocol == "" {
		wsProtocol = "ws"
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &HTTPClient{
		baseURL:  fmt.Sprintf("%s://%s", protocol, server),
		wsURL:    fmt.Sprintf("%s://%s/ws", wsProtocol, server),
		clientID: uuid.NewString(),
		hc:       &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type submitResponse struct {
	PromptID   string         `json:"prompt_id"`
	Error      any            `json:"error"`
	NodeErrors map[string]any `json:"node_errors"`
}

// Submit sends a concrete graph to the submission endpoint and returns
// the backend's opaque job handle. One attempt, no retries.
func (c *HTTPClient) Submit(ctx context.Context, g graph.Graph) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    g,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode submission")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build submission request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(ErrUnreachable, err.Error())
	}
	var sr submitResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return "", &RejectedError{Detail: fmt.Sprintf("unparseable acknowledgment (HTTP %d)", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 || sr.PromptID == "" {
		detail := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if sr.Error != nil {
			detail = fmt.Sprintf("%v", sr.Error)
		}
		if len(sr.NodeErrors) > 0 {
			ne, _ := json.Marshal(sr.NodeErrors)
			detail += ", node errors: " + string(ne)
		}
		return "", &RejectedError{Detail: detail}
	}
	return sr.PromptID, nil
}

type historyStatus struct {
	Completed bool                `json:"completed"`
	Messages  [][]json.RawMessage `json:"messages"`
}

type historyEntry struct {
	Status  historyStatus                         `json:"status"`
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
}

type statusMessage struct {
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
}

// Poll reports the current lifecycle state of one job handle. A handle
// absent from the history is looked up in the queue; a handle absent
// from both is treated as still queued, since the backend exposes no
// distinct state for it.
func (c *HTTPClient) Poll(ctx context.Context, handle string) (JobStatus, error) {
	entry, ok, err := c.history(ctx, handle)
	if err != nil {
		return JobStatus{}, err
	}
	if ok {
		return deriveStatus(entry), nil
	}
	return c.queueStatus(ctx, handle)
}

// deriveStatus judges a finished history entry the way the backend's UI
// does: execution_error or execution_interrupted messages mean failure,
// as does a run that started but produced no valid output.
func deriveStatus(entry historyEntry) JobStatus {
	started, succeeded := false, false
	var failures []string
	for _, msg := range entry.Status.Messages {
		if len(msg) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil {
			continue
		}
		switch kind {
		case "execution_start":
			started = true
		case "execution_success":
			succeeded = true
		case "execution_error":
			var sm statusMessage
			_ = json.Unmarshal(msg[1], &sm)
			detail := sm.ExceptionMessage
			if detail == "" {
				detail = sm.NodeType + " node failed"
			}
			if sm.NodeID != "" {
				detail = fmt.Sprintf("node %s (%s): %s", sm.NodeID, sm.NodeType, detail)
			}
			failures = append(failures, detail)
		case "execution_interrupted":
			failures = append(failures, "job interrupted")
		}
	}
	if len(failures) > 0 {
		detail := failures[0]
		for _, f := range failures[1:] {
			detail += "; " + f
		}
		return JobStatus{State: JobFailed, Detail: detail}
	}
	if !hasValidOutput(entry.Outputs) {
		if started && !succeeded {
			return JobStatus{State: JobRunning}
		}
		return JobStatus{State: JobFailed, Detail: "job finished without producing output"}
	}
	return JobStatus{State: JobCompleted}
}

func hasValidOutput(outputs map[string]map[string]json.RawMessage) bool {
	for _, node := range outputs {
		for key := range node {
			switch key {
			case "images", "gifs", "videos", "audio", "text":
				return true
			}
		}
	}
	return false
}

func (c *HTTPClient) history(ctx context.Context, handle string) (historyEntry, bool, error) {
	var entries map[string]historyEntry
	if err := c.getJSON(ctx, "/history/"+handle, &entries); err != nil {
		return historyEntry{}, false, err
	}
	entry, ok := entries[handle]
	return entry, ok, nil
}

type queueSnapshot struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

func (c *HTTPClient) queueStatus(ctx context.Context, handle string) (JobStatus, error) {
	var q queueSnapshot
	if err := c.getJSON(ctx, "/queue", &q); err != nil {
		return JobStatus{}, err
	}
	if queueHolds(q.Running, handle) {
		return JobStatus{State: JobRunning}, nil
	}
	return JobStatus{State: JobQueued}, nil
}

// queueHolds scans queue rows of the form [number, prompt_id, ...].
func queueHolds(rows [][]json.RawMessage, handle string) bool {
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(row[1], &id); err == nil && id == handle {
			return true
		}
	}
	return false
}

type fileOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// FetchResult retrieves and categorizes the outputs of a completed job.
func (c *HTTPClient) FetchResult(ctx context.Context, handle string) (Outputs, error) {
	entry, ok, err := c.history(ctx, handle)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("no result recorded for job %s", handle)
	}
	return extractOutputs(entry.Outputs), nil
}

func extractOutputs(raw map[string]map[string]json.RawMessage) Outputs {
	out := make(Outputs, len(raw))
	for nodeID, nodeOut := range raw {
		var arts []models.Artifact
		for key, val := range nodeOut {
			switch key {
			case "images", "gifs", "videos":
				kind := "video"
				if key == "images" {
					kind = "image"
				}
				var files []fileOutput
				if err := json.Unmarshal(val, &files); err != nil {
					continue
				}
				for _, f := range files {
					arts = append(arts, models.Artifact{
						Filename:  f.Filename,
						Subfolder: f.Subfolder,
						Type:      f.Type,
						Kind:      kind,
					})
				}
			case "text":
				var lines []string
				if err := json.Unmarshal(val, &lines); err != nil {
					var single string
					if err := json.Unmarshal(val, &single); err != nil {
						continue
					}
					lines = []string{single}
				}
				for _, line := range lines {
					arts = append(arts, models.Artifact{Kind: "text", Content: line})
				}
			default:
				arts = append(arts, models.Artifact{Kind: "other", Type: key})
			}
		}
		if len(arts) > 0 {
			out[nodeID] = arts
		}
	}
	return out
}

// Interrupt asks the backend to abandon a job. Best effort; the caller
// logs failures instead of escalating them.
func (c *HTTPClient) Interrupt(ctx context.Context, handle string) error {
	body, _ := json.Marshal(map[string]string{"prompt_id": handle})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build interrupt request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("interrupt returned HTTP %d", resp.StatusCode)
	}
	return nil
}

type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID         string `json:"prompt_id"`
		ExceptionMessage string `json:"exception_message"`
		NodeID           string `json:"node_id"`
		NodeType         string `json:"node_type"`
	} `json:"data"`
}

// Events opens the backend's websocket and translates execution
// messages into job events. The channel closes when the connection
// drops or ctx is cancelled; consumers fall back to polling either way.
func (c *HTTPClient) Events(ctx context.Context) (<-chan JobEvent, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"?clientId="+c.clientID, nil)
	if err != nil {
		return nil, errors.Wrap(ErrNoPushChannel, err.Error())
	}

	ch := make(chan JobEvent, 64)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(ch)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Errorf("backend event stream closed: %v", err)
				}
				return
			}
			ev, ok := translateEvent(msg)
			if !ok {
				continue
			}
			select {
			case ch <- ev:
			default:
				// Poll loop catches up; dropping a hint is fine.
			}
		}
	}()
	return ch, nil
}

func translateEvent(msg wsMessage) (JobEvent, bool) {
	if msg.Data.PromptID == "" {
		return JobEvent{}, false
	}
	ev := JobEvent{Handle: msg.Data.PromptID}
	switch msg.Type {
	case "execution_start":
		ev.State = JobRunning
	case "execution_success":
		ev.State = JobCompleted
	case "execution_error":
		ev.State = JobFailed
		ev.Detail = msg.Data.ExceptionMessage
		if ev.Detail == "" {
			ev.Detail = msg.Data.NodeType + " node failed"
		}
	case "execution_interrupted":
		ev.State = JobFailed
		ev.Detail = "job interrupted"
	default:
		return JobEvent{}, false
	}
	return ev, true
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("GET %s returned HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

// Package cli wires the cobra commands: a long-running serve command
// plus thin HTTP clients for submitting and inspecting tasks.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iding2959/ys-movie/internal/config"
	internal_http "github.com/iding2959/ys-movie/internal/http"
	"github.com/iding2959/ys-movie/internal/log"
	internal_storage "github.com/iding2959/ys-movie/internal/storage"
	"github.com/iding2959/ys-movie/pkg/backend"
	"github.com/iding2959/ys-movie/pkg/graph"
	"github.com/iding2959/ys-movie/pkg/models"
	"github.com/iding2959/ys-movie/pkg/planner"
	"github.com/iding2959/ys-movie/pkg/service"
	"github.com/iding2959/ys-movie/pkg/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the generation server",
		Run: func(cmd *cobra.Command, _ []string) {
			cfgPath, _ := cmd.Flags().GetString("config")
			mock, _ := cmd.Flags().GetBool("mock")
			runServe(cfgPath, mock)
		},
	}
	serveCmd.Flags().String("config", "", "Path to the TOML config file")
	serveCmd.Flags().Bool("mock", false, "Run against an in-process mock backend")

	submitCmd := &cobra.Command{
		Use:   "submit [kind]",
		Short: "Submit a generation task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			server, _ := cmd.Flags().GetString("server")
			prompts, _ := cmd.Flags().GetStringArray("prompt")
			duration, _ := cmd.Flags().GetInt("duration")
			seed, _ := cmd.Flags().GetInt64("seed")
			timeout, _ := cmd.Flags().GetInt("timeout")
			prefix, _ := cmd.Flags().GetString("prefix")
			sets, _ := cmd.Flags().GetStringArray("set")
			submitTask(server, args[0], prompts, duration, seed, timeout, prefix, sets)
		},
	}
	submitCmd.Flags().String("server", "http://127.0.0.1:12321", "Server address")
	submitCmd.Flags().StringArray("prompt", nil, "Prompt text (repeat for per-segment prompts)")
	submitCmd.Flags().Int("duration", 0, "Requested duration in seconds (chained kinds only)")
	submitCmd.Flags().Int64("seed", -1, "Base seed (-1 picks a random one)")
	submitCmd.Flags().Int("timeout", 0, "Task timeout in seconds (0 uses the server default)")
	submitCmd.Flags().String("prefix", "", "Output filename prefix")
	submitCmd.Flags().StringArray("set", nil, "Graph override as node.input=value")

	runCmd := &cobra.Command{
		Use:   "run [workflow.json]",
		Short: "Submit a raw workflow graph from a JSON file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			server, _ := cmd.Flags().GetString("server")
			timeout, _ := cmd.Flags().GetInt("timeout")
			sets, _ := cmd.Flags().GetStringArray("set")
			runWorkflow(server, args[0], timeout, sets)
		},
	}
	runCmd.Flags().String("server", "http://127.0.0.1:12321", "Server address")
	runCmd.Flags().Int("timeout", 0, "Task timeout in seconds (0 uses the server default)")
	runCmd.Flags().StringArray("set", nil, "Graph override as node.input=value")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			server, _ := cmd.Flags().GetString("server")
			getTask(server, args[0])
		},
	}
	getCmd.Flags().String("server", "http://127.0.0.1:12321", "Server address")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Run: func(cmd *cobra.Command, _ []string) {
			server, _ := cmd.Flags().GetString("server")
			limit, _ := cmd.Flags().GetInt("limit")
			listTasks(server, limit)
		},
	}
	listCmd.Flags().String("server", "http://127.0.0.1:12321", "Server address")
	listCmd.Flags().Int("limit", 0, "Maximum tasks to show (0 shows all retained)")

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			server, _ := cmd.Flags().GetString("server")
			cancelTask(server, args[0])
		},
	}
	cancelCmd.Flags().String("server", "http://127.0.0.1:12321", "Server address")

	rootCmd.AddCommand(serveCmd, submitCmd, runCmd, getCmd, listCmd, cancelCmd)
}

func runServe(cfgPath string, mock bool) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log.SetLevel(cfg.Logging.Level)
	logger := log.GetLogger()

	kinds, err := graph.LoadRegistry(cfg.Generation.WorkflowDir, graph.DefaultKinds())
	if err != nil {
		logger.Errorf("Failed to load workflow templates: %v", err)
		os.Exit(1)
	}

	var client backend.Client
	if mock {
		logger.Infof("Using mock backend")
		client = backend.NewAutoMockClient(2 * time.Second)
	} else {
		client = backend.NewHTTPClient(cfg.Backend.Address, cfg.Backend.Protocol, cfg.Backend.WSProtocol, logger)
	}

	var archive storage.Store
	if cfg.Database.URL != "" {
		store, err := internal_storage.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			logger.Errorf("Failed to connect to task archive: %v", err)
			os.Exit(1)
		}
		defer store.Close()
		archive = store
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := service.NewGenerationService(ctx, service.Config{
		PollInterval:       cfg.PollInterval(),
		DefaultTimeout:     time.Duration(cfg.Generation.DefaultTimeoutSeconds) * time.Second,
		TimeoutPerUnit:     time.Duration(cfg.Generation.TimeoutPerUnitSeconds) * time.Second,
		MaxDurationSeconds: cfg.Generation.MaxDurationSeconds,
		MaxTasks:           cfg.Generation.MaxTasks,
		Planner: planner.Config{
			SeedStride:      cfg.Generation.SeedStride,
			NamespaceBase:   cfg.Generation.NamespaceBase,
			NamespaceStride: cfg.Generation.NamespaceStride,
		},
	}, kinds, client, archive, logger)
	defer svc.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := internal_http.NewServer(addr, svc)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logger.Errorf("Server failed: %v", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Shutdown failed: %v", err)
	}
}

// apiResponse mirrors the server's JSON envelope.
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func call(method, url string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("unexpected response (%s): %v", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return envelope.Data, fmt.Errorf("%s", envelope.Message)
	}
	return envelope.Data, nil
}

func parseOverrides(sets []string) ([]graph.Override, error) {
	overrides := make([]graph.Override, 0, len(sets))
	for _, s := range sets {
		target, value, found := strings.Cut(s, "=")
		if !found {
			return nil, fmt.Errorf("override %q is not of the form node.input=value", s)
		}
		node, input, found := strings.Cut(target, ".")
		if !found || node == "" || input == "" {
			return nil, fmt.Errorf("override %q is not of the form node.input=value", s)
		}
		// Values stay strings; numeric inputs accept them on the
		// backend side where they are coerced.
		overrides = append(overrides, graph.Override{Node: node, Input: input, Value: value})
	}
	return overrides, nil
}

func submitTask(server, kind string, prompts []string, duration int, seed int64, timeout int, prefix string, sets []string) {
	overrides, err := parseOverrides(sets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	req := service.SubmitRequest{
		Kind:            kind,
		Prompts:         prompts,
		Overrides:       overrides,
		DurationSeconds: duration,
		BaseSeed:        seed,
		TimeoutSeconds:  timeout,
		OutputPrefix:    prefix,
	}
	data, err := call(http.MethodPost, server+"/api/tasks", req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to submit task: %v\n", err)
		os.Exit(1)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed response: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Submitted task %s\n", out.TaskID)
}

func runWorkflow(server, path string, timeout int, sets []string) {
	overrides, err := parseOverrides(sets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read workflow file: %v\n", err)
		os.Exit(1)
	}
	var g graph.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		fmt.Fprintf(os.Stderr, "Error: workflow file is not a valid graph: %v\n", err)
		os.Exit(1)
	}
	req := service.GraphRequest{
		Workflow:       g,
		Overrides:      overrides,
		TimeoutSeconds: timeout,
	}
	data, err := call(http.MethodPost, server+"/api/workflows", req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to submit workflow: %v\n", err)
		os.Exit(1)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed response: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Submitted workflow task %s\n", out.TaskID)
}

func getTask(server, id string) {
	data, err := call(http.MethodGet, server+"/api/tasks/"+id, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to get task: %v\n", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed response: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, pretty.String())
}

func listTasks(server string, limit int) {
	url := server + "/api/tasks"
	if limit > 0 {
		url = fmt.Sprintf("%s?limit=%d", url, limit)
	}
	data, err := call(http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
		os.Exit(1)
	}
	var tasks []models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed response: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "No tasks found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(os.Stdout, "- ID: %s, Kind: %s, Status: %s, Segments: %d, Created: %s\n",
			t.ID, t.Kind, t.Status, len(t.Segments), t.CreatedAt.Format(time.RFC3339))
	}
}

func cancelTask(server, id string) {
	if _, err := call(http.MethodDelete, server+"/api/tasks/"+id, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to cancel task: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Requested cancellation of task %s\n", id)
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudecluster/claudecluster/internal/common/config"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/events/bus"
	"github.com/claudecluster/claudecluster/internal/worker/engine"
	"github.com/claudecluster/claudecluster/internal/worker/executor"
	"github.com/claudecluster/claudecluster/internal/worker/provider"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

type stubExecutor struct {
	delay  time.Duration
	output string
}

func (s *stubExecutor) ID() string             { return "stub" }
func (s *stubExecutor) Mode() v1.ExecutionMode { return v1.ExecutionModeProcessPool }
func (s *stubExecutor) IsHealthy() bool        { return true }
func (s *stubExecutor) Status() executor.Status {
	return executor.Status{ID: "stub", State: executor.StateIdle}
}
func (s *stubExecutor) Terminate(ctx context.Context) error { return nil }

func (s *stubExecutor) Execute(ctx context.Context, task *v1.Task, sink executor.OutputSink) (*v1.TaskResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return &v1.TaskResult{Status: v1.TaskStatusFailed, Error: "task cancelled", Retryable: true}, nil
		}
	}
	if sink != nil && s.output != "" {
		sink(s.output)
	}
	return &v1.TaskResult{Status: v1.TaskStatusCompleted, Output: s.output}, nil
}

type stubProvider struct {
	exec *stubExecutor
}

func (p *stubProvider) Mode() v1.ExecutionMode { return v1.ExecutionModeProcessPool }
func (p *stubProvider) Acquire(ctx context.Context, task *v1.Task) (executor.Executor, error) {
	return p.exec, nil
}
func (p *stubProvider) Release(ctx context.Context, exec executor.Executor, durationMs int64) error {
	return nil
}
func (p *stubProvider) Stats() provider.Stats {
	return provider.Stats{Mode: v1.ExecutionModeProcessPool, TotalExecuted: 7}
}
func (p *stubProvider) Shutdown(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, exec *stubExecutor, maxConcurrent int) (*httptest.Server, *engine.Engine) {
	t.Helper()
	log := logger.Default()
	u, err := provider.NewUnifiedProvider(v1.ExecutionModeProcessPool, false, log, &stubProvider{exec: exec})
	require.NoError(t, err)

	cfg := &config.WorkerConfig{
		WorkerID:           "worker-1",
		Name:               "test worker",
		MaxConcurrentTasks: maxConcurrent,
		SessionTimeoutMs:   60000,
	}
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	eng := engine.New(cfg, u, eventBus, log)

	srv := httptest.NewServer(NewRouter(cfg, eng, u, eventBus, log))
	t.Cleanup(srv.Close)
	return srv, eng
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{}, 5)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[v1.WorkerHealthResponse](t, resp)
	assert.Equal(t, "worker-1", health.WorkerID)
	assert.Equal(t, v1.WorkerStatusAvailable, health.Status)
	assert.Equal(t, 0, health.ActiveTasks)
	assert.Equal(t, 5, health.MaxTasks)
	assert.Equal(t, int64(7), health.TotalTasksExecuted)
	assert.Contains(t, health.Capabilities, string(v1.ExecutionModeProcessPool))
}

func TestRunAcceptsTask(t *testing.T) {
	srv, eng := newTestServer(t, &stubExecutor{output: "done"}, 5)

	resp := postJSON(t, srv.URL+"/run", v1.SubmitTaskRequest{Prompt: "write a test"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	run := decode[v1.RunTaskResponse](t, resp)
	assert.NotEmpty(t, run.TaskID)
	assert.Equal(t, v1.TaskStatusAssigned, run.Status)
	assert.Equal(t, "/stream/"+run.TaskID, run.StreamURL)

	waitTerminal(t, eng, run.TaskID)
}

func TestRunHonorsSuppliedTaskID(t *testing.T) {
	srv, eng := newTestServer(t, &stubExecutor{}, 5)

	resp := postJSON(t, srv.URL+"/run", v1.SubmitTaskRequest{TaskID: "dispatch-42", Prompt: "p"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[v1.RunTaskResponse](t, resp)
	assert.Equal(t, "dispatch-42", run.TaskID)
	waitTerminal(t, eng, "dispatch-42")
}

func TestRunValidationBounds(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{}, 5)

	intp := func(v int) *int { return &v }
	tests := []struct {
		name   string
		req    v1.SubmitTaskRequest
		status int
	}{
		{"empty prompt", v1.SubmitTaskRequest{Prompt: ""}, http.StatusBadRequest},
		{"prompt at limit", v1.SubmitTaskRequest{Prompt: strings.Repeat("a", 10000)}, http.StatusOK},
		{"prompt over limit", v1.SubmitTaskRequest{Prompt: strings.Repeat("a", 10001)}, http.StatusBadRequest},
		{"priority low", v1.SubmitTaskRequest{Prompt: "p", Priority: intp(0)}, http.StatusBadRequest},
		{"priority high", v1.SubmitTaskRequest{Prompt: "p", Priority: intp(11)}, http.StatusBadRequest},
		{"priority max", v1.SubmitTaskRequest{Prompt: "p", Priority: intp(10)}, http.StatusOK},
		{"timeout low", v1.SubmitTaskRequest{Prompt: "p", TimeoutMs: intp(999)}, http.StatusBadRequest},
		{"timeout max", v1.SubmitTaskRequest{Prompt: "p", TimeoutMs: intp(600000)}, http.StatusOK},
		{"bad mode", v1.SubmitTaskRequest{Prompt: "p", Mode: "warp_drive"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/run", tt.req)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRunCapacityExceeded(t *testing.T) {
	srv, eng := newTestServer(t, &stubExecutor{delay: 5 * time.Second}, 1)

	resp := postJSON(t, srv.URL+"/run", v1.SubmitTaskRequest{TaskID: "t1", Prompt: "p"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/run", v1.SubmitTaskRequest{Prompt: "p"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, eng.Cancel("t1"))
	waitTerminal(t, eng, "t1")
}

func TestGetTask(t *testing.T) {
	srv, eng := newTestServer(t, &stubExecutor{output: "answer"}, 5)

	resp := postJSON(t, srv.URL+"/run", v1.SubmitTaskRequest{TaskID: "t1", Prompt: "p"})
	resp.Body.Close()
	waitTerminal(t, eng, "t1")

	resp, err := http.Get(srv.URL + "/tasks/t1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[v1.TaskStatusResponse](t, resp)
	assert.Equal(t, v1.TaskStatusCompleted, status.Status)
	assert.Equal(t, "answer", status.Output)
	require.NotNil(t, status.DurationMs)

	resp, err = http.Get(srv.URL + "/tasks/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelIdempotent(t *testing.T) {
	srv, eng := newTestServer(t, &stubExecutor{}, 5)

	resp := postJSON(t, srv.URL+"/run", v1.SubmitTaskRequest{TaskID: "t1", Prompt: "p"})
	resp.Body.Close()
	waitTerminal(t, eng, "t1")

	// Cancelling a finished task is still a 200.
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/t1", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Unknown task is a 404.
	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/tasks/missing", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamReplaysTerminalTask(t *testing.T) {
	srv, eng := newTestServer(t, &stubExecutor{output: "streamed out"}, 5)

	resp := postJSON(t, srv.URL+"/run", v1.SubmitTaskRequest{TaskID: "t1", Prompt: "p"})
	resp.Body.Close()
	waitTerminal(t, eng, "t1")

	resp, err := http.Get(srv.URL + "/stream/t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	eventType, payload := readFrame(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "complete", eventType)

	var ev v1.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, v1.EventSourceWorker, ev.Source)
	require.NotNil(t, ev.Result)
	assert.Equal(t, "streamed out", ev.Result.Output)
}

func TestStreamUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{}, 5)

	resp, err := http.Get(srv.URL + "/stream/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamLiveTask(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{delay: 300 * time.Millisecond, output: "chunk"}, 5)

	resp := postJSON(t, srv.URL+"/run", v1.SubmitTaskRequest{TaskID: "t1", Prompt: "p"})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/stream/t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	sawTerminal := false
	for i := 0; i < 10; i++ {
		eventType, _ := readFrame(t, r)
		if eventType == "complete" || eventType == "failed" {
			sawTerminal = true
			break
		}
	}
	assert.True(t, sawTerminal, "stream never delivered a terminal event")
}

// readFrame parses one SSE frame (event: + data: lines up to a blank line).
func readFrame(t *testing.T, r *bufio.Reader) (eventType, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && (eventType != "" || data != ""):
			return eventType, data
		}
	}
}

func waitTerminal(t *testing.T, eng *engine.Engine, taskID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := eng.Get(taskID)
		return err == nil && task.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
}

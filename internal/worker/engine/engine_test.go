package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/events/bus"
	"github.com/claudecluster/claudecluster/internal/worker/executor"
	"github.com/claudecluster/claudecluster/internal/worker/provider"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

type stubExecutor struct {
	id     string
	delay  time.Duration
	output string
	fail   bool
}

func (s *stubExecutor) ID() string             { return s.id }
func (s *stubExecutor) Mode() v1.ExecutionMode { return v1.ExecutionModeProcessPool }
func (s *stubExecutor) IsHealthy() bool        { return true }
func (s *stubExecutor) Status() executor.Status {
	return executor.Status{ID: s.id, State: executor.StateIdle}
}
func (s *stubExecutor) Terminate(ctx context.Context) error { return nil }

func (s *stubExecutor) Execute(ctx context.Context, task *v1.Task, sink executor.OutputSink) (*v1.TaskResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return &v1.TaskResult{
				Status:    v1.TaskStatusFailed,
				Error:     "task cancelled",
				Retryable: true,
			}, nil
		}
	}
	if sink != nil && s.output != "" {
		sink(s.output)
	}
	if s.fail {
		return &v1.TaskResult{
			Status: v1.TaskStatusFailed,
			Error:  "agent exited with error",
		}, nil
	}
	return &v1.TaskResult{Status: v1.TaskStatusCompleted, Output: s.output}, nil
}

type stubProvider struct {
	mu         sync.Mutex
	makeExec   func() executor.Executor
	acquireErr error
	released   int
}

func (p *stubProvider) Mode() v1.ExecutionMode { return v1.ExecutionModeProcessPool }

func (p *stubProvider) Acquire(ctx context.Context, task *v1.Task) (executor.Executor, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.makeExec(), nil
}

func (p *stubProvider) Release(ctx context.Context, exec executor.Executor, durationMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func (p *stubProvider) releaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *stubProvider) Stats() provider.Stats              { return provider.Stats{} }
func (p *stubProvider) Shutdown(ctx context.Context) error { return nil }

func newTestEngine(t *testing.T, p provider.ExecutionProvider, maxConcurrent int) (*Engine, bus.EventBus) {
	t.Helper()
	u, err := provider.NewUnifiedProvider(v1.ExecutionModeProcessPool, false, logger.Default(), p)
	require.NoError(t, err)

	cfg := &config.WorkerConfig{
		MaxConcurrentTasks: maxConcurrent,
		SessionTimeoutMs:   60000,
	}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	return New(cfg, u, eventBus, logger.Default()), eventBus
}

func waitForTerminal(t *testing.T, e *Engine, taskID string) *v1.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.Get(taskID)
		require.NoError(t, err)
		if task.Status.IsTerminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

func TestEngineExecutesTask(t *testing.T) {
	p := &stubProvider{makeExec: func() executor.Executor {
		return &stubExecutor{id: "e1", output: "did the thing"}
	}}
	e, eventBus := newTestEngine(t, p, 2)

	var mu sync.Mutex
	var types []string
	_, err := eventBus.Subscribe("task.t1.events", func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	task := &v1.Task{ID: "t1", Prompt: "do the thing"}
	require.NoError(t, e.Submit(task))

	final := waitForTerminal(t, e, "t1")
	assert.Equal(t, v1.TaskStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, "did the thing", final.Result.Output)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1, p.releaseCount())

	// Event order: running status, streamed progress, then complete.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"status", "progress", "complete"}, types[:3])
}

func TestEngineCapacity(t *testing.T) {
	p := &stubProvider{makeExec: func() executor.Executor {
		return &stubExecutor{id: "e", delay: time.Second}
	}}
	e, _ := newTestEngine(t, p, 1)

	require.NoError(t, e.Submit(&v1.Task{ID: "t1", Prompt: "p"}))

	err := e.Submit(&v1.Task{ID: "t2", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCapacityExceeded))

	require.NoError(t, e.Cancel("t1"))
	waitForTerminal(t, e, "t1")
}

func TestEngineDuplicateSubmit(t *testing.T) {
	p := &stubProvider{makeExec: func() executor.Executor {
		return &stubExecutor{id: "e"}
	}}
	e, _ := newTestEngine(t, p, 2)

	require.NoError(t, e.Submit(&v1.Task{ID: "t1", Prompt: "p"}))
	err := e.Submit(&v1.Task{ID: "t1", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	waitForTerminal(t, e, "t1")
}

func TestEngineCancelRunningTask(t *testing.T) {
	p := &stubProvider{makeExec: func() executor.Executor {
		return &stubExecutor{id: "e", delay: 10 * time.Second}
	}}
	e, _ := newTestEngine(t, p, 1)

	require.NoError(t, e.Submit(&v1.Task{ID: "t1", Prompt: "p"}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.Cancel("t1"))

	final := waitForTerminal(t, e, "t1")
	assert.Equal(t, v1.TaskStatusCancelled, final.Status)
	assert.Equal(t, 1, p.releaseCount())
}

func TestEngineCancelErrors(t *testing.T) {
	p := &stubProvider{makeExec: func() executor.Executor {
		return &stubExecutor{id: "e"}
	}}
	e, _ := newTestEngine(t, p, 1)

	err := e.Cancel("missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))

	require.NoError(t, e.Submit(&v1.Task{ID: "t1", Prompt: "p"}))
	waitForTerminal(t, e, "t1")

	err = e.Cancel("t1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestEngineAcquireFailureFailsTask(t *testing.T) {
	p := &stubProvider{acquireErr: apperrors.NoExecutor(nil)}
	e, eventBus := newTestEngine(t, p, 1)

	var mu sync.Mutex
	var failedSeen bool
	_, err := eventBus.Subscribe("task.*.events", func(ctx context.Context, ev *bus.Event) error {
		if ev.Type == "failed" {
			mu.Lock()
			failedSeen = true
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.Submit(&v1.Task{ID: "t1", Prompt: "p"}))
	final := waitForTerminal(t, e, "t1")
	assert.Equal(t, v1.TaskStatusFailed, final.Status)
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Retryable)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedSeen
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineShutdownDrains(t *testing.T) {
	p := &stubProvider{makeExec: func() executor.Executor {
		return &stubExecutor{id: "e", delay: 10 * time.Second}
	}}
	e, _ := newTestEngine(t, p, 2)

	require.NoError(t, e.Submit(&v1.Task{ID: "t1", Prompt: "p"}))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	task, err := e.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, task.Status)

	err = e.Submit(&v1.Task{ID: "t2", Prompt: "p"})
	require.Error(t, err)
}

func TestEngineEvictOlderThan(t *testing.T) {
	p := &stubProvider{makeExec: func() executor.Executor {
		return &stubExecutor{id: "e"}
	}}
	e, _ := newTestEngine(t, p, 2)

	require.NoError(t, e.Submit(&v1.Task{ID: "t1", Prompt: "p"}))
	waitForTerminal(t, e, "t1")

	assert.Equal(t, 0, e.EvictOlderThan(time.Hour))
	assert.Equal(t, 1, e.EvictOlderThan(0))

	_, err := e.Get("t1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

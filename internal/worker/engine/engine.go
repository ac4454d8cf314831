// Package engine runs accepted tasks on the worker: it enforces the
// concurrency cap, drives each task through a session, and publishes the
// task's event stream onto the bus for the SSE endpoint to relay.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/events/bus"
	"github.com/claudecluster/claudecluster/internal/worker/provider"
	"github.com/claudecluster/claudecluster/internal/worker/session"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// TaskSubject returns the bus subject carrying one task's event stream.
func TaskSubject(taskID string) string {
	return "task." + taskID + ".events"
}

// runningTask tracks one in-flight execution.
type runningTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine accepts tasks up to the worker's concurrency cap and executes them
// asynchronously. Task snapshots survive in memory after completion for
// status polling until evicted by age.
type Engine struct {
	cfg     *config.WorkerConfig
	unified *provider.UnifiedProvider
	bus     bus.EventBus
	log     *logger.Logger

	mu      sync.Mutex
	tasks   map[string]*v1.Task
	running map[string]*runningTask
	closed  bool

	wg sync.WaitGroup
}

// New creates an engine bound to the worker's unified provider and event bus.
func New(cfg *config.WorkerConfig, unified *provider.UnifiedProvider, eventBus bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		unified: unified,
		bus:     eventBus,
		log:     log,
		tasks:   make(map[string]*v1.Task),
		running: make(map[string]*runningTask),
	}
}

// ActiveCount returns the number of in-flight tasks.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Capacity returns the concurrency cap.
func (e *Engine) Capacity() int { return e.cfg.MaxConcurrentTasks }

// Submit accepts a task for asynchronous execution. It fails fast when the
// worker is at capacity or shutting down; an accepted task is immediately
// visible to Get with status assigned.
func (e *Engine) Submit(task *v1.Task) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.InvalidState("worker is shutting down")
	}
	if _, exists := e.tasks[task.ID]; exists {
		e.mu.Unlock()
		return apperrors.InvalidState(fmt.Sprintf("task %s already submitted", task.ID))
	}
	if len(e.running) >= e.cfg.MaxConcurrentTasks {
		active := len(e.running)
		e.mu.Unlock()
		return apperrors.CapacityExceeded(active, e.cfg.MaxConcurrentTasks)
	}

	task.Status = v1.TaskStatusAssigned
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{cancel: cancel, done: make(chan struct{})}
	e.tasks[task.ID] = task
	e.running[task.ID] = rt
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(ctx, task, rt)
	return nil
}

// execute drives one task through its session and publishes the lifecycle
// events. The running slot is freed on every path.
func (e *Engine) execute(ctx context.Context, task *v1.Task, rt *runningTask) {
	defer e.wg.Done()
	defer close(rt.done)
	defer func() {
		e.mu.Lock()
		delete(e.running, task.ID)
		e.mu.Unlock()
	}()

	log := e.log.WithTaskID(task.ID)

	sess, err := session.Open(ctx, e.unified, task, e.cfg.SessionTimeout(), e.log)
	if err != nil {
		log.Error("failed to open session", zap.Error(err))
		e.finishWithError(task, err)
		return
	}

	now := time.Now().UTC()
	e.mu.Lock()
	task.Status = v1.TaskStatusRunning
	task.StartedAt = &now
	e.mu.Unlock()
	e.publishStatus(task.ID, v1.TaskStatusRunning)

	sink := func(chunk string) {
		e.publishProgress(task.ID, chunk)
	}

	result, err := sess.Run(ctx, task, sink)
	if err != nil {
		e.finishWithError(task, err)
		return
	}

	done := time.Now().UTC()
	e.mu.Lock()
	// Cancellation that raced the run keeps its cancelled status.
	if !task.Status.IsTerminal() {
		task.Status = result.Status
	}
	task.CompletedAt = &done
	task.Result = result
	e.mu.Unlock()

	if result.Status == v1.TaskStatusCompleted {
		e.publishComplete(task.ID, result)
		log.Info("task finished", zap.Int64("durationMs", result.Metrics.DurationMs))
	} else {
		e.publishFailed(task.ID, result.Error, result.Retryable)
		log.Warn("task failed", zap.String("error", result.Error))
	}
}

// finishWithError records a failure that happened before the executor
// produced a result (acquire failure, invalid state).
func (e *Engine) finishWithError(task *v1.Task, err error) {
	appErr := apperrors.AsAppError(err)
	now := time.Now().UTC()

	e.mu.Lock()
	if !task.Status.IsTerminal() {
		task.Status = v1.TaskStatusFailed
	}
	task.CompletedAt = &now
	task.Result = &v1.TaskResult{
		Status:    v1.TaskStatusFailed,
		Error:     appErr.Message,
		Retryable: appErr.Retryable,
		StartedAt: now,
		EndedAt:   now,
	}
	e.mu.Unlock()

	e.publishFailed(task.ID, appErr.Message, appErr.Retryable)
}

// Cancel requests cancellation of a running task. Terminal tasks are left
// untouched; unknown tasks report not found.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return apperrors.NotFound("task", taskID)
	}
	if task.Status.IsTerminal() {
		e.mu.Unlock()
		return apperrors.InvalidState(
			fmt.Sprintf("task %s already %s", taskID, task.Status))
	}
	task.Status = v1.TaskStatusCancelled
	rt := e.running[taskID]
	e.mu.Unlock()

	if rt != nil {
		rt.cancel()
	}
	e.log.WithTaskID(taskID).Info("task cancelled")
	return nil
}

// Get returns a snapshot of a task.
func (e *Engine) Get(taskID string) (*v1.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	snapshot := *task
	return &snapshot, nil
}

// Shutdown cancels every in-flight task and waits for executions to drain,
// bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for id, rt := range e.running {
		if task := e.tasks[id]; task != nil && !task.Status.IsTerminal() {
			task.Status = v1.TaskStatusCancelled
		}
		rt.cancel()
	}
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) publish(taskID string, eventType v1.StreamEventType, ev v1.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.log.Error("failed to marshal stream event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.bus.Publish(ctx, TaskSubject(taskID), bus.NewEvent(string(eventType), data)); err != nil {
		e.log.Warn("failed to publish stream event",
			zap.String("task_id", taskID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func (e *Engine) publishStatus(taskID string, status v1.TaskStatus) {
	ev := v1.NewWorkerEvent(taskID)
	ev.Status = status
	e.publish(taskID, v1.StreamEventStatus, ev)
}

func (e *Engine) publishProgress(taskID string, chunk string) {
	ev := v1.NewWorkerEvent(taskID)
	ev.Progress = &v1.ProgressPayload{Message: chunk}
	e.publish(taskID, v1.StreamEventProgress, ev)
}

func (e *Engine) publishComplete(taskID string, result *v1.TaskResult) {
	ev := v1.NewWorkerEvent(taskID)
	ev.Status = v1.TaskStatusCompleted
	ev.Result = result
	e.publish(taskID, v1.StreamEventComplete, ev)
}

func (e *Engine) publishFailed(taskID string, errMsg string, retryable bool) {
	ev := v1.NewWorkerEvent(taskID)
	ev.Status = v1.TaskStatusFailed
	ev.Error = errMsg
	ev.Retryable = &retryable
	e.publish(taskID, v1.StreamEventFailed, ev)
}

// EvictOlderThan drops terminal task snapshots whose completion is older
// than maxAge. Returns the number evicted.
func (e *Engine) EvictOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	evicted := 0

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, task := range e.tasks {
		if task.Status.IsTerminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(e.tasks, id)
			evicted++
		}
	}
	return evicted
}

// Package taskman is the coordinator's task manager: client intake, worker
// dispatch, completion reconciliation, and the periodic GC of terminal
// tasks.
package taskman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/coordinator/registry"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

const (
	gcInterval = 10 * time.Minute

	// pollBackoff is how long a dispatched task may go without SSE-observed
	// progress before the reconciler falls back to polling the worker.
	pollBackoff = 30 * time.Second
	// pollInterval paces the reconciler sweep.
	pollInterval = 10 * time.Second
)

// Record is the coordinator's view of one task: the wire task plus where it
// was dispatched.
type Record struct {
	Task           v1.Task
	WorkerID       string
	WorkerEndpoint string
}

// TerminalListener is notified when a task reaches a terminal state, after
// the record and worker counters are updated.
type TerminalListener func(taskID string, status v1.TaskStatus)

// Manager owns the coordinator's in-memory task index.
type Manager struct {
	cfg      *config.CoordinatorConfig
	registry *registry.Registry
	client   *http.Client
	log      *logger.Logger

	mu        sync.RWMutex
	tasks     map[string]*Record
	completed int64
	failed    int64

	onTerminal TerminalListener

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a task manager over the registry.
func New(cfg *config.CoordinatorConfig, reg *registry.Registry, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: reg,
		client:   &http.Client{Timeout: cfg.RequestTimeout()},
		log:      log,
		tasks:    make(map[string]*Record),
		stop:     make(chan struct{}),
	}
}

// SetTerminalListener registers the callback invoked on terminal
// transitions. Must be called before Start.
func (m *Manager) SetTerminalListener(fn TerminalListener) {
	m.onTerminal = fn
}

// Start launches the GC and reconciliation loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.gcLoop()
	go m.reconcileLoop()
}

// Stop halts the background loops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Submit handles one validated client submission: pick a worker, dispatch,
// record. The returned record reflects the post-dispatch state.
func (m *Manager) Submit(ctx context.Context, req *v1.SubmitTaskRequest) (*Record, error) {
	worker, err := m.pickWorker(req.WorkerID)
	if err != nil {
		return nil, err
	}

	task := v1.Task{
		ID:        uuid.NewString(),
		Prompt:    req.Prompt,
		Priority:  req.EffectivePriority(),
		WorkerID:  worker.ID,
		TimeoutMs: req.EffectiveTimeoutMs(),
		Mode:      req.Mode,
		RepoURL:   req.RepoURL,
		Metadata:  req.Metadata,
		Status:    v1.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	rec := &Record{Task: task, WorkerID: worker.ID, WorkerEndpoint: worker.Endpoint}

	m.mu.Lock()
	m.tasks[task.ID] = rec
	m.mu.Unlock()

	log := m.log.WithTaskID(task.ID).WithWorkerID(worker.ID)
	if err := m.dispatch(ctx, rec, req); err != nil {
		// Best-effort dispatch: the failure is recorded, not retried.
		log.Error("dispatch failed", zap.Error(err))
		m.markTerminal(task.ID, v1.TaskStatusFailed, &v1.TaskResult{
			Status:    v1.TaskStatusFailed,
			Error:     apperrors.AsAppError(err).Message,
			Retryable: apperrors.IsRetryable(err),
			StartedAt: time.Now().UTC(),
			EndedAt:   time.Now().UTC(),
		}, false)
		return nil, err
	}

	now := time.Now().UTC()
	m.mu.Lock()
	rec.Task.Status = v1.TaskStatusRunning
	rec.Task.StartedAt = &now
	m.mu.Unlock()
	m.registry.TaskAssigned(worker.ID)

	log.Info("task dispatched", zap.String("endpoint", worker.Endpoint))
	return m.snapshot(task.ID), nil
}

// pickWorker honors an explicitly requested worker when it is selectable,
// otherwise falls back to least-loaded selection.
func (m *Manager) pickWorker(requestedID string) (v1.WorkerRecord, error) {
	if requestedID != "" {
		w, err := m.registry.Get(requestedID)
		if err != nil {
			return v1.WorkerRecord{}, err
		}
		if !w.Status.Selectable() || w.ActiveTasks >= w.MaxTasks {
			return v1.WorkerRecord{}, apperrors.NoWorkers()
		}
		return w, nil
	}
	return m.registry.Select()
}

// dispatch POSTs the task to the worker's /run under the request timeout.
func (m *Manager) dispatch(ctx context.Context, rec *Record, req *v1.SubmitTaskRequest) error {
	body := v1.SubmitTaskRequest{
		TaskID:    rec.Task.ID,
		Prompt:    req.Prompt,
		Priority:  req.Priority,
		Metadata:  req.Metadata,
		TimeoutMs: req.TimeoutMs,
		Mode:      req.Mode,
		RepoURL:   req.RepoURL,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal("failed to encode dispatch body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		rec.WorkerEndpoint+"/run", bytes.NewReader(payload))
	if err != nil {
		return apperrors.DispatchFailed(rec.WorkerEndpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return apperrors.DispatchFailed(rec.WorkerEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.DispatchFailed(rec.WorkerEndpoint,
			fmt.Errorf("worker replied %d", resp.StatusCode))
	}
	return nil
}

// Get returns a copy of one task record.
func (m *Manager) Get(taskID string) (*Record, error) {
	rec := m.snapshot(taskID)
	if rec == nil {
		return nil, apperrors.NotFound("task", taskID)
	}
	return rec, nil
}

func (m *Manager) snapshot(taskID string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// Cancel forwards a best-effort cancel to the owning worker and marks the
// local record cancelled.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	rec := m.snapshot(taskID)
	if rec == nil {
		return apperrors.NotFound("task", taskID)
	}
	if rec.Task.Status.IsTerminal() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		rec.WorkerEndpoint+"/tasks/"+taskID, nil)
	if err == nil {
		if resp, derr := m.client.Do(req); derr == nil {
			resp.Body.Close()
		} else {
			m.log.WithTaskID(taskID).Warn("cancel forwarding failed", zap.Error(derr))
		}
	}

	m.markTerminal(taskID, v1.TaskStatusCancelled, nil, true)
	return nil
}

// OnWorkerEvent is the SSE relay's reconciliation hook: terminal events
// observed on the relay mark the task without waiting for the poller.
func (m *Manager) OnWorkerEvent(taskID string, eventType string, ev *v1.StreamEvent) {
	switch v1.StreamEventType(eventType) {
	case v1.StreamEventComplete:
		m.markTerminal(taskID, v1.TaskStatusCompleted, ev.Result, true)
	case v1.StreamEventFailed:
		status := v1.TaskStatusFailed
		if ev.Status == v1.TaskStatusCancelled {
			status = v1.TaskStatusCancelled
		}
		result := ev.Result
		if result == nil {
			retryable := ev.Retryable != nil && *ev.Retryable
			result = &v1.TaskResult{Status: status, Error: ev.Error, Retryable: retryable}
		}
		m.markTerminal(taskID, status, result, true)
	}
}

// markTerminal applies a terminal transition exactly once: updates the
// record, adjusts the worker counter, bumps stats, and fans out to the
// terminal listener.
func (m *Manager) markTerminal(taskID string, status v1.TaskStatus, result *v1.TaskResult, decrement bool) {
	m.mu.Lock()
	rec, ok := m.tasks[taskID]
	if !ok || rec.Task.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.Task.Status = status
	rec.Task.CompletedAt = &now
	if result != nil {
		rec.Task.Result = result
	}
	switch status {
	case v1.TaskStatusCompleted:
		m.completed++
	case v1.TaskStatusFailed, v1.TaskStatusCancelled:
		m.failed++
	}
	workerID := rec.WorkerID
	m.mu.Unlock()

	if decrement {
		m.registry.TaskFinished(workerID)
	}
	if m.onTerminal != nil {
		m.onTerminal(taskID, status)
	}
	m.log.WithTaskID(taskID).Info("task terminal", zap.String("status", string(status)))
}

// reconcileLoop polls the worker for tasks that have been running without
// observed events past the backoff, catching completions the SSE relay
// missed.
func (m *Manager) reconcileLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reconcileOnce()
		}
	}
}

func (m *Manager) reconcileOnce() {
	cutoff := time.Now().Add(-pollBackoff)

	m.mu.RLock()
	var stale []*Record
	for _, rec := range m.tasks {
		if rec.Task.Status == v1.TaskStatusRunning &&
			rec.Task.StartedAt != nil && rec.Task.StartedAt.Before(cutoff) {
			cp := *rec
			stale = append(stale, &cp)
		}
	}
	m.mu.RUnlock()

	for _, rec := range stale {
		m.pollWorker(rec)
	}
}

// pollWorker fetches /tasks/{id} from the owning worker and folds a
// terminal answer into the local record.
func (m *Manager) pollWorker(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		rec.WorkerEndpoint+"/tasks/"+rec.Task.ID, nil)
	if err != nil {
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.log.WithTaskID(rec.Task.ID).Debug("reconcile poll failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The worker no longer knows the task; treat as lost.
		m.markTerminal(rec.Task.ID, v1.TaskStatusFailed, &v1.TaskResult{
			Status:    v1.TaskStatusFailed,
			Error:     "task lost by worker",
			Retryable: true,
		}, true)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return
	}

	var status v1.TaskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return
	}
	if !status.Status.IsTerminal() {
		return
	}
	result := &v1.TaskResult{
		Status: status.Status,
		Output: status.Output,
		Error:  status.Error,
	}
	m.markTerminal(rec.Task.ID, status.Status, result, true)
}

// gcLoop sweeps terminal tasks older than the configured max age.
func (m *Manager) gcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.GC(m.cfg.TaskGcMaxAge()); n > 0 {
				m.log.Info("task gc", zap.Int("evicted", n))
			}
		}
	}
}

// GC removes terminal tasks whose completion is older than maxAge and
// returns the number evicted.
func (m *Manager) GC(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	evicted := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.tasks {
		if rec.Task.Status.IsTerminal() && rec.Task.CompletedAt != nil &&
			rec.Task.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			evicted++
		}
	}
	return evicted
}

// Stats summarizes the task index for /health.
func (m *Manager) Stats() v1.CoordinatorTaskStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := v1.CoordinatorTaskStats{
		Completed: int(m.completed),
		Failed:    int(m.failed),
	}
	for _, rec := range m.tasks {
		if !rec.Task.Status.IsTerminal() {
			stats.Active++
		}
	}
	return stats
}

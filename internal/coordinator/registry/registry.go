// Package registry tracks the coordinator's static worker set: health
// polling, least-loaded selection, and the active-task counters fed by the
// task manager.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// worker is one registered worker plus its insertion rank for stable
// selection tiebreaks.
type worker struct {
	record v1.WorkerRecord
	rank   int
}

// Registry is the coordinator's view of the worker fleet. Workers are
// registered once at startup from the configured endpoint list; the poller
// keeps their records fresh.
type Registry struct {
	client   *http.Client
	interval time.Duration
	log      *logger.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	order   []string // worker ids in insertion order

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool
}

// New builds a registry over the configured static endpoints. Each endpoint
// gets a provisional record in offline status until the first probe.
func New(cfg *config.CoordinatorConfig, log *logger.Logger) *Registry {
	r := &Registry{
		client:   &http.Client{Timeout: cfg.RequestTimeout()},
		interval: cfg.HealthCheckInterval(),
		log:      log,
		workers:  make(map[string]*worker),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i, endpoint := range cfg.WorkerEndpoints {
		id := "worker-" + uuid.NewString()[:8]
		r.workers[id] = &worker{
			record: v1.WorkerRecord{
				ID:       id,
				Endpoint: endpoint,
				Status:   v1.WorkerStatusOffline,
				MaxTasks: 1,
			},
			rank: i,
		}
		r.order = append(r.order, id)
	}
	return r
}

// Start runs the initial probe synchronously so selection works immediately,
// then polls on the configured interval until Stop.
func (r *Registry) Start(ctx context.Context) {
	r.ProbeAll(ctx)
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	go r.pollLoop()
}

func (r *Registry) pollLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			r.ProbeAll(ctx)
			cancel()
		}
	}
}

// Stop halts the poll loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if started {
		<-r.done
	}
}

// ProbeAll health-checks every worker concurrently and applies the results.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			r.probe(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// probe issues one GET /health and folds the outcome into the record. Any
// failure marks the worker offline but preserves its counters.
func (r *Registry) probe(ctx context.Context, id string) {
	r.mu.RLock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.RUnlock()
		return
	}
	endpoint := w.record.Endpoint
	r.mu.RUnlock()

	health, err := r.fetchHealth(ctx, endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok = r.workers[id]
	if !ok {
		return
	}
	w.record.LastHealthCheck = time.Now().UTC()

	if err != nil {
		if w.record.Status != v1.WorkerStatusOffline {
			r.log.Warn("worker went offline",
				zap.String("worker_id", id),
				zap.String("endpoint", endpoint),
				zap.Error(err))
		}
		w.record.Status = v1.WorkerStatusOffline
		return
	}

	w.record.ActiveTasks = health.ActiveTasks
	w.record.MaxTasks = health.MaxTasks
	w.record.Capabilities = health.Capabilities
	w.record.Version = health.Version
	w.record.UptimeMs = health.UptimeMs
	w.record.Status = statusFor(health.ActiveTasks, health.MaxTasks)
}

func (r *Registry) fetchHealth(ctx context.Context, endpoint string) (*v1.WorkerHealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	var health v1.WorkerHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("invalid health body: %w", err)
	}
	return &health, nil
}

func statusFor(active, max int) v1.WorkerStatus {
	if max > 0 && active >= max {
		return v1.WorkerStatusBusy
	}
	return v1.WorkerStatusAvailable
}

// Select picks the least-loaded selectable worker with spare capacity. Ties
// break by insertion order. Returns no-workers when none qualifies.
func (r *Registry) Select() (v1.WorkerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *worker
	for _, id := range r.order {
		w := r.workers[id]
		if !w.record.Status.Selectable() {
			continue
		}
		if w.record.ActiveTasks >= w.record.MaxTasks {
			continue
		}
		if best == nil || w.record.ActiveTasks < best.record.ActiveTasks {
			best = w
		}
	}
	if best == nil {
		return v1.WorkerRecord{}, apperrors.NoWorkers()
	}
	return best.record, nil
}

// Get returns the record for one worker.
func (r *Registry) Get(id string) (v1.WorkerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return v1.WorkerRecord{}, apperrors.NotFound("worker", id)
	}
	return w.record, nil
}

// TaskAssigned bumps a worker's active counter after a successful dispatch
// and recomputes its status against capacity.
func (r *Registry) TaskAssigned(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.record.ActiveTasks++
	if w.record.Status.Selectable() {
		w.record.Status = statusFor(w.record.ActiveTasks, w.record.MaxTasks)
	}
}

// TaskFinished decrements a worker's active counter, clamped at zero, and
// recomputes status.
func (r *Registry) TaskFinished(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	if w.record.ActiveTasks > 0 {
		w.record.ActiveTasks--
	}
	if w.record.Status.Selectable() {
		w.record.Status = statusFor(w.record.ActiveTasks, w.record.MaxTasks)
	}
}

// Snapshot returns all worker records in insertion order.
func (r *Registry) Snapshot() []v1.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.WorkerRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id].record)
	}
	return out
}

// Stats aggregates the registry for the coordinator's /health body.
func (r *Registry) Stats() v1.CoordinatorWorkerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := v1.CoordinatorWorkerStats{Total: len(r.order)}
	for _, id := range r.order {
		switch r.workers[id].record.Status {
		case v1.WorkerStatusAvailable, v1.WorkerStatusBusy:
			stats.Available++
		case v1.WorkerStatusOffline:
			stats.Offline++
		}
	}
	return stats
}

package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/worker/executor"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// reclaimInterval is how often the pool sweeps for idle executors past the
// configured idle timeout.
const reclaimInterval = 30 * time.Second

// spawnFunc creates a new process executor. Swappable in tests.
type spawnFunc func(cfg config.ProcessPoolConfig, log *logger.Logger) (executor.Executor, error)

// pooledExecutor pairs an idle executor with the time it went idle.
type pooledExecutor struct {
	exec      executor.Executor
	idleSince time.Time
}

// ProcessPoolProvider maintains a warm pool of reusable process executors
// between the configured min and max. Executors released healthy go back to
// the pool; unhealthy ones are terminated and replaced lazily on the next
// Acquire.
type ProcessPoolProvider struct {
	cfg   config.ProcessPoolConfig
	log   *logger.Logger
	spawn spawnFunc

	mu            sync.Mutex
	idle          []pooledExecutor
	busy          map[string]executor.Executor
	reserved      int // slots claimed by in-flight spawns
	durations     durationWindow
	totalExecuted int64
	closed        bool

	stopReclaim chan struct{}
	reclaimDone chan struct{}
}

// NewProcessPoolProvider pre-warms the pool to the configured minimum and
// starts the idle reclaim loop. Pre-warm failures are logged and tolerated;
// the pool fills lazily as tasks arrive.
func NewProcessPoolProvider(cfg config.ProcessPoolConfig, log *logger.Logger) *ProcessPoolProvider {
	p := &ProcessPoolProvider{
		cfg: cfg,
		log: log,
		spawn: func(cfg config.ProcessPoolConfig, log *logger.Logger) (executor.Executor, error) {
			return executor.NewProcessExecutor(cfg, log)
		},
		busy:        make(map[string]executor.Executor),
		stopReclaim: make(chan struct{}),
		reclaimDone: make(chan struct{}),
	}

	for i := 0; i < cfg.Min; i++ {
		e, err := p.spawn(cfg, log)
		if err != nil {
			log.Warn("failed to pre-warm process executor", zap.Error(err))
			break
		}
		p.idle = append(p.idle, pooledExecutor{exec: e, idleSince: time.Now()})
	}

	go p.reclaimLoop()
	log.Info("process pool started",
		zap.Int("min", cfg.Min),
		zap.Int("max", cfg.Max),
		zap.Int("warmed", len(p.idle)))
	return p
}

func (p *ProcessPoolProvider) Mode() v1.ExecutionMode { return v1.ExecutionModeProcessPool }

// Acquire returns an idle pooled executor, spawning a fresh one when the
// pool is empty but under max. At capacity it fails immediately.
func (p *ProcessPoolProvider) Acquire(ctx context.Context, task *v1.Task) (executor.Executor, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.NoExecutor(nil)
	}

	// Prefer the most recently used executor; it is least likely to have
	// been reclaimed or gone stale.
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		pe := p.idle[last]
		p.idle = p.idle[:last]
		if !pe.exec.IsHealthy() {
			go func(e executor.Executor) { _ = e.Terminate(context.Background()) }(pe.exec)
			continue
		}
		p.busy[pe.exec.ID()] = pe.exec
		p.mu.Unlock()
		return pe.exec, nil
	}

	// Reserve the slot before dropping the lock to spawn, so concurrent
	// acquires racing for the last slot cannot both pass the max check.
	total := len(p.busy) + p.reserved
	if total >= p.cfg.Max {
		p.mu.Unlock()
		return nil, apperrors.CapacityExceeded(total, p.cfg.Max)
	}
	p.reserved++
	p.mu.Unlock()

	e, err := p.spawn(p.cfg, p.log)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		return nil, apperrors.NoExecutor(err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = e.Terminate(ctx)
		return nil, apperrors.NoExecutor(nil)
	}
	p.busy[e.ID()] = e
	p.mu.Unlock()
	return e, nil
}

// Release returns a healthy executor to the idle pool and terminates an
// unhealthy one. durationMs feeds the rolling average; pass a negative
// value for runs that never started.
func (p *ProcessPoolProvider) Release(ctx context.Context, exec executor.Executor, durationMs int64) error {
	p.mu.Lock()
	delete(p.busy, exec.ID())
	if durationMs >= 0 {
		p.durations.record(durationMs)
		p.totalExecuted++
	}
	if p.closed || !exec.IsHealthy() {
		p.mu.Unlock()
		return exec.Terminate(ctx)
	}
	p.idle = append(p.idle, pooledExecutor{exec: exec, idleSince: time.Now()})
	p.mu.Unlock()
	return nil
}

// reclaimLoop terminates executors that sat idle past the idle timeout,
// never shrinking the pool below min.
func (p *ProcessPoolProvider) reclaimLoop() {
	defer close(p.reclaimDone)
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReclaim:
			return
		case <-ticker.C:
			p.reclaimIdle()
		}
	}
}

func (p *ProcessPoolProvider) reclaimIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout())

	p.mu.Lock()
	var keep []pooledExecutor
	var victims []executor.Executor
	total := len(p.idle) + len(p.busy) + p.reserved
	for _, pe := range p.idle {
		if pe.idleSince.Before(cutoff) && total > p.cfg.Min {
			victims = append(victims, pe.exec)
			total--
			continue
		}
		keep = append(keep, pe)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, e := range victims {
		p.log.Info("reclaiming idle process executor", zap.String("executor_id", e.ID()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = e.Terminate(ctx)
		cancel()
	}
}

func (p *ProcessPoolProvider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Mode:           v1.ExecutionModeProcessPool,
		Total:          len(p.idle) + len(p.busy),
		Idle:           len(p.idle),
		Busy:           len(p.busy),
		AvgExecutionMs: p.durations.average(),
		TotalExecuted:  p.totalExecuted,
	}
}

// Shutdown stops the reclaim loop and terminates every executor, idle and
// busy alike.
func (p *ProcessPoolProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	victims := make([]executor.Executor, 0, len(p.idle)+len(p.busy))
	for _, pe := range p.idle {
		victims = append(victims, pe.exec)
	}
	for _, e := range p.busy {
		victims = append(victims, e)
	}
	p.idle = nil
	p.busy = make(map[string]executor.Executor)
	p.mu.Unlock()

	close(p.stopReclaim)
	<-p.reclaimDone

	for _, e := range victims {
		_ = e.Terminate(ctx)
	}
	p.log.Info("process pool shut down", zap.Int("terminated", len(victims)))
	return nil
}

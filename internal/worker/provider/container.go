package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/worker/docker"
	"github.com/claudecluster/claudecluster/internal/worker/executor"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// ContainerProvider creates a fresh container executor per acquire. There is
// no pooling; each executor runs one task and is discarded on release.
type ContainerProvider struct {
	cfg     config.ContainerConfig
	client  *docker.Client
	apiKey  string
	maxLive int
	log     *logger.Logger

	mu            sync.Mutex
	active        map[string]executor.Executor
	durations     durationWindow
	totalExecuted int64
	closed        bool
}

// NewContainerProvider verifies the Docker daemon is reachable and returns a
// provider capped at maxLive concurrent containers.
func NewContainerProvider(ctx context.Context, cfg config.ContainerConfig, client *docker.Client, apiKey string, maxLive int, log *logger.Logger) (*ContainerProvider, error) {
	if err := client.Ping(ctx); err != nil {
		return nil, apperrors.ExecutorError("docker daemon unreachable", true, err)
	}
	return &ContainerProvider{
		cfg:     cfg,
		client:  client,
		apiKey:  apiKey,
		maxLive: maxLive,
		log:     log,
		active:  make(map[string]executor.Executor),
	}, nil
}

func (p *ContainerProvider) Mode() v1.ExecutionMode { return v1.ExecutionModeContainer }

// Acquire hands out a new one-shot container executor, bounded by the
// concurrent container cap.
func (p *ContainerProvider) Acquire(ctx context.Context, task *v1.Task) (executor.Executor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, apperrors.NoExecutor(nil)
	}
	if len(p.active) >= p.maxLive {
		return nil, apperrors.CapacityExceeded(len(p.active), p.maxLive)
	}
	e := executor.NewContainerExecutor(p.cfg, p.client, p.apiKey, p.log)
	p.active[e.ID()] = e
	return e, nil
}

// Release terminates the one-shot executor and drops it from the active set.
func (p *ContainerProvider) Release(ctx context.Context, exec executor.Executor, durationMs int64) error {
	p.mu.Lock()
	delete(p.active, exec.ID())
	if durationMs >= 0 {
		p.durations.record(durationMs)
		p.totalExecuted++
	}
	p.mu.Unlock()
	return exec.Terminate(ctx)
}

func (p *ContainerProvider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Mode:           v1.ExecutionModeContainer,
		Total:          len(p.active),
		Idle:           0,
		Busy:           len(p.active),
		AvgExecutionMs: p.durations.average(),
		TotalExecuted:  p.totalExecuted,
	}
}

// Shutdown terminates every live container executor.
func (p *ContainerProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	victims := make([]executor.Executor, 0, len(p.active))
	for _, e := range p.active {
		victims = append(victims, e)
	}
	p.active = make(map[string]executor.Executor)
	p.mu.Unlock()

	for _, e := range victims {
		if err := e.Terminate(ctx); err != nil {
			p.log.Warn("failed to terminate container executor", zap.Error(err))
		}
	}
	return nil
}

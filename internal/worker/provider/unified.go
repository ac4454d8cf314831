package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/worker/executor"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// UnifiedProvider fronts the per-mode providers and routes each task to the
// backend its execution mode selects. Mode resolution order: the task's own
// mode, then the worker's default. When the preferred backend fails
// transiently and mode override is allowed, the task falls back to the other
// backend.
type UnifiedProvider struct {
	providers         map[v1.ExecutionMode]ExecutionProvider
	defaultMode       v1.ExecutionMode
	allowModeOverride bool
	log               *logger.Logger
}

// NewUnifiedProvider wires the available per-mode providers. Nil providers
// are skipped; tasks requesting their mode run under the default instead.
func NewUnifiedProvider(defaultMode v1.ExecutionMode, allowModeOverride bool, log *logger.Logger, providers ...ExecutionProvider) (*UnifiedProvider, error) {
	m := make(map[v1.ExecutionMode]ExecutionProvider, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		m[p.Mode()] = p
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("at least one execution provider is required")
	}
	if _, ok := m[defaultMode]; !ok {
		return nil, fmt.Errorf("default execution mode %s has no provider", defaultMode)
	}
	return &UnifiedProvider{
		providers:         m,
		defaultMode:       defaultMode,
		allowModeOverride: allowModeOverride,
		log:               log,
	}, nil
}

// Modes lists the enabled execution modes.
func (u *UnifiedProvider) Modes() []v1.ExecutionMode {
	modes := make([]v1.ExecutionMode, 0, len(u.providers))
	for m := range u.providers {
		modes = append(modes, m)
	}
	return modes
}

// ResolveMode returns the execution mode a task will run under.
func (u *UnifiedProvider) ResolveMode(task *v1.Task) v1.ExecutionMode {
	if task.Mode != "" {
		return task.Mode
	}
	return u.defaultMode
}

// Acquire resolves the task's mode and acquires from the matching provider.
// A requested mode whose provider is not enabled downgrades to the default.
// On a retryable failure it falls back to the other enabled backend when
// mode override is allowed.
func (u *UnifiedProvider) Acquire(ctx context.Context, task *v1.Task) (executor.Executor, error) {
	mode := u.ResolveMode(task)
	p, ok := u.providers[mode]
	if !ok {
		// The constructor guarantees the default mode has a provider.
		u.log.Warn("requested execution mode not enabled, using default",
			zap.String("task_id", task.ID),
			zap.String("requested_mode", string(mode)),
			zap.String("default_mode", string(u.defaultMode)))
		mode = u.defaultMode
		p = u.providers[mode]
	}

	exec, err := p.Acquire(ctx, task)
	if err == nil {
		return exec, nil
	}
	if !u.allowModeOverride || !apperrors.IsRetryable(err) {
		return nil, err
	}

	for fbMode, fb := range u.providers {
		if fbMode == mode {
			continue
		}
		u.log.Warn("falling back to alternate execution mode",
			zap.String("task_id", task.ID),
			zap.String("requested_mode", string(mode)),
			zap.String("fallback_mode", string(fbMode)),
			zap.Error(err))
		fbExec, fbErr := fb.Acquire(ctx, task)
		if fbErr == nil {
			return fbExec, nil
		}
	}
	return nil, err
}

// Release routes the executor back to the provider that owns its mode.
func (u *UnifiedProvider) Release(ctx context.Context, exec executor.Executor, durationMs int64) error {
	p, ok := u.providers[exec.Mode()]
	if !ok {
		// Should not happen; terminate directly rather than leak.
		return exec.Terminate(ctx)
	}
	return p.Release(ctx, exec, durationMs)
}

// Stats returns per-mode provider snapshots.
func (u *UnifiedProvider) Stats() []Stats {
	out := make([]Stats, 0, len(u.providers))
	for _, p := range u.providers {
		out = append(out, p.Stats())
	}
	return out
}

// Shutdown shuts down every enabled provider, returning the first error.
func (u *UnifiedProvider) Shutdown(ctx context.Context) error {
	var first error
	for _, p := range u.providers {
		if err := p.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

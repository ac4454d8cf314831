// Package session binds one task to one acquired executor for the duration
// of a run. The session owns the deadline and guarantees the executor goes
// back to its provider exactly once, on every code path.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/worker/executor"
	"github.com/claudecluster/claudecluster/internal/worker/provider"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// releaseTimeout bounds how long a release may take once the run is over.
const releaseTimeout = 30 * time.Second

// Session is one task bound to one executor.
type Session struct {
	ID     string
	TaskID string

	exec           executor.Executor
	unified        *provider.UnifiedProvider
	defaultTimeout time.Duration
	startedAt      time.Time
	log            *logger.Logger

	releaseOnce sync.Once
	durationMs  int64
}

// Open acquires an executor for the task and returns the bound session. On
// failure nothing is held and there is nothing to release.
func Open(ctx context.Context, unified *provider.UnifiedProvider, task *v1.Task, defaultTimeout time.Duration, log *logger.Logger) (*Session, error) {
	exec, err := unified.Acquire(ctx, task)
	if err != nil {
		return nil, err
	}

	id := "sess-" + uuid.NewString()[:8]
	s := &Session{
		ID:             id,
		TaskID:         task.ID,
		exec:           exec,
		unified:        unified,
		defaultTimeout: defaultTimeout,
		startedAt:      time.Now(),
		durationMs:     -1,
		log:            log.WithSessionID(id).WithTaskID(task.ID).WithExecutorID(exec.ID()),
	}
	s.log.Debug("session opened", zap.String("mode", string(exec.Mode())))
	return s, nil
}

// Mode returns the execution mode of the bound executor.
func (s *Session) Mode() v1.ExecutionMode { return s.exec.Mode() }

// ExecutorID returns the bound executor's identifier.
func (s *Session) ExecutorID() string { return s.exec.ID() }

// deadline picks the task's requested timeout, falling back to the worker's
// session default.
func (s *Session) deadline(task *v1.Task) time.Duration {
	if d := task.Timeout(); d > 0 {
		return d
	}
	return s.defaultTimeout
}

// Run executes the task under the session deadline and releases the
// executor before returning, success or not. The result always carries the
// session ID.
func (s *Session) Run(ctx context.Context, task *v1.Task, sink executor.OutputSink) (*v1.TaskResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.deadline(task))
	defer cancel()
	defer s.Close()

	started := time.Now()
	result, err := s.exec.Execute(runCtx, task, sink)
	if err != nil {
		s.log.Error("execution failed before producing a result", zap.Error(err))
		return nil, err
	}

	s.durationMs = time.Since(started).Milliseconds()
	result.SessionID = s.ID
	return result, nil
}

// Close releases the executor back to its provider. Safe to call more than
// once; only the first call releases.
func (s *Session) Close() {
	s.releaseOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := s.unified.Release(ctx, s.exec, s.durationMs); err != nil {
			s.log.Warn("failed to release executor", zap.Error(err))
			return
		}
		s.log.Debug("session closed",
			zap.Int64("durationMs", s.durationMs))
	})
}

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

const (
	ptyCols = 200
	ptyRows = 50

	// outputSilence is how long the agent process must stay quiet after
	// producing output before the turn is considered finished.
	outputSilence = 2 * time.Second

	readBufferSize = 4096
	outputChanSize = 64
)

// ProcessExecutor drives a long-lived agent CLI process attached to a
// pseudo-terminal. The process survives across tasks: each Execute call
// writes the prompt to the terminal and captures output until the process
// goes silent. A crashed or timed-out process moves the executor to the
// error state and it must be replaced by its provider.
type ProcessExecutor struct {
	id  string
	cfg config.ProcessPoolConfig
	log *logger.Logger

	mu             sync.Mutex
	state          State
	currentTaskID  string
	startedAt      time.Time
	lastActivity   time.Time
	tasksCompleted int64

	cmd    *exec.Cmd
	handle PtyHandle
	output chan []byte

	terminateOnce sync.Once
}

// NewProcessExecutor spawns the agent CLI on a PTY and returns an idle
// executor ready to accept tasks. The caller owns the returned executor and
// must Terminate it to release the process.
func NewProcessExecutor(cfg config.ProcessPoolConfig, log *logger.Logger) (*ProcessExecutor, error) {
	id := "proc-" + uuid.NewString()[:8]
	e := &ProcessExecutor{
		id:           id,
		cfg:          cfg,
		log:          log.WithExecutorID(id),
		state:        StateInitializing,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
		output:       make(chan []byte, outputChanSize),
	}

	parts := strings.Fields(cfg.AgentCommand)
	if len(parts) == 0 {
		return nil, apperrors.ExecutorError("agent command is empty", false, nil)
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if cfg.WorkspaceDir != "" {
		if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
			return nil, apperrors.ExecutorError("failed to create workspace dir", false, err)
		}
		cmd.Dir = cfg.WorkspaceDir
	}

	handle, err := startPTYWithSize(cmd, ptyCols, ptyRows)
	if err != nil {
		return nil, apperrors.ExecutorError(
			fmt.Sprintf("failed to start agent process %q", cfg.AgentCommand), true, err)
	}

	e.cmd = cmd
	e.handle = handle
	go e.readLoop()

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	e.log.Info("agent process started",
		zap.String("command", cfg.AgentCommand),
		zap.Int("pid", cmd.Process.Pid))
	return e, nil
}

// readLoop pumps PTY output into the output channel until the process exits
// or the PTY is closed. Closing the channel signals EOF to Execute.
func (e *ProcessExecutor) readLoop() {
	defer close(e.output)
	buf := make([]byte, readBufferSize)
	for {
		n, err := e.handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (e *ProcessExecutor) ID() string { return e.id }

func (e *ProcessExecutor) Mode() v1.ExecutionMode { return v1.ExecutionModeProcessPool }

// Execute writes the task prompt to the agent terminal and collects output
// until the process stays silent for outputSilence, the context expires, or
// the process exits. Timeout and process death leave the executor in the
// error state; it cannot be reused afterwards.
func (e *ProcessExecutor) Execute(ctx context.Context, task *v1.Task, sink OutputSink) (*v1.TaskResult, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return nil, apperrors.InvalidState(
			fmt.Sprintf("executor %s is %s, not idle", e.id, state))
	}
	e.state = StateExecuting
	e.currentTaskID = task.ID
	e.lastActivity = time.Now()
	e.mu.Unlock()

	started := time.Now()
	log := e.log.WithTaskID(task.ID)
	log.Info("executing task on agent process")

	// Drain anything the process printed between tasks (shell banners,
	// leftover prompt redraws) so it does not pollute this task's output.
	e.drainPending()

	if _, err := e.handle.Write([]byte(task.Prompt + "\n")); err != nil {
		e.failUnhealthy()
		return e.finishResult(&v1.TaskResult{
			Status:    v1.TaskStatusFailed,
			Error:     "failed to write prompt to agent process: " + err.Error(),
			Retryable: true,
		}, started), nil
	}

	var out strings.Builder
	silence := time.NewTimer(e.cfg.ProcessTimeout())
	defer silence.Stop()
	sawOutput := false

	for {
		select {
		case chunk, ok := <-e.output:
			if !ok {
				// Process exited mid-task.
				e.failUnhealthy()
				log.Warn("agent process exited during execution")
				return e.finishResult(&v1.TaskResult{
					Status:    v1.TaskStatusFailed,
					Output:    stripANSI(out.String()),
					Error:     "agent process exited unexpectedly",
					Retryable: true,
				}, started), nil
			}
			text := string(chunk)
			out.WriteString(text)
			if sink != nil {
				sink(text)
			}
			e.touch()
			// First output arms the silence window; until then the full
			// process timeout applies.
			sawOutput = true
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(outputSilence)

		case <-silence.C:
			if !sawOutput {
				e.failUnhealthy()
				return e.finishResult(&v1.TaskResult{
					Status:    v1.TaskStatusFailed,
					Error:     "agent process produced no output before timeout",
					Retryable: true,
				}, started), nil
			}
			// Quiet period elapsed: the agent finished its turn.
			result := e.finishResult(&v1.TaskResult{
				Status: v1.TaskStatusCompleted,
				Output: stripANSI(out.String()),
			}, started)
			e.mu.Lock()
			e.state = StateIdle
			e.currentTaskID = ""
			e.tasksCompleted++
			e.mu.Unlock()
			log.Info("task completed",
				zap.Int64("durationMs", result.Metrics.DurationMs))
			return result, nil

		case <-ctx.Done():
			// The process may still be mid-generation; kill it rather than
			// risk a stale answer bleeding into the next task.
			e.failUnhealthy()
			log.Warn("task cancelled or timed out", zap.Error(ctx.Err()))
			errMsg := errMsgTimeout
			if ctx.Err() == context.Canceled {
				errMsg = errMsgCancelled
			}
			return e.finishResult(&v1.TaskResult{
				Status:    v1.TaskStatusFailed,
				Output:    stripANSI(out.String()),
				Error:     errMsg,
				Retryable: true,
			}, started), nil
		}
	}
}

// drainPending discards buffered output without blocking.
func (e *ProcessExecutor) drainPending() {
	for {
		select {
		case _, ok := <-e.output:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (e *ProcessExecutor) touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// failUnhealthy kills the process and marks the executor unusable.
func (e *ProcessExecutor) failUnhealthy() {
	e.mu.Lock()
	e.state = StateError
	e.currentTaskID = ""
	e.mu.Unlock()
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
}

func (e *ProcessExecutor) finishResult(r *v1.TaskResult, started time.Time) *v1.TaskResult {
	ended := time.Now()
	r.StartedAt = started
	r.EndedAt = ended
	r.Metrics.DurationMs = ended.Sub(started).Milliseconds()
	r.Metrics.MemoryBytes = int64(e.cfg.MaxMemoryMB) * 1024 * 1024
	return r
}

// Terminate kills the agent process and closes the PTY. Safe to call more
// than once.
func (e *ProcessExecutor) Terminate(ctx context.Context) error {
	e.terminateOnce.Do(func() {
		e.mu.Lock()
		e.state = StateTerminating
		e.mu.Unlock()

		if e.cmd != nil && e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		if e.handle != nil {
			_ = e.handle.Close()
		}

		e.mu.Lock()
		e.state = StateTerminated
		e.mu.Unlock()
		e.log.Info("agent process terminated")
	})
	return nil
}

func (e *ProcessExecutor) IsHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateIdle || e.state == StateExecuting
}

func (e *ProcessExecutor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ID:             e.id,
		Mode:           v1.ExecutionModeProcessPool,
		State:          e.state,
		CurrentTaskID:  e.currentTaskID,
		StartedAt:      e.startedAt,
		TasksCompleted: e.tasksCompleted,
		LastActivity:   e.lastActivity,
		Resources: ResourceUsage{
			MemoryBytes: int64(e.cfg.MaxMemoryMB) * 1024 * 1024,
		},
	}
}

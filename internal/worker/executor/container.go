package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/worker/docker"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// ContainerExecutor runs exactly one task in a fresh Docker container and is
// discarded afterwards. The container gets a private host workspace
// bind-mounted at the configured workspace root; files left there after the
// run are reported as artifacts.
type ContainerExecutor struct {
	id     string
	cfg    config.ContainerConfig
	client *docker.Client
	apiKey string
	log    *logger.Logger

	mu             sync.Mutex
	state          State
	currentTaskID  string
	containerID    string
	hostDir        string
	startedAt      time.Time
	lastActivity   time.Time
	tasksCompleted int64

	terminateOnce sync.Once
}

// NewContainerExecutor prepares a one-shot container executor. No container
// exists until Execute is called.
func NewContainerExecutor(cfg config.ContainerConfig, client *docker.Client, apiKey string, log *logger.Logger) *ContainerExecutor {
	id := "ctr-" + uuid.NewString()[:8]
	return &ContainerExecutor{
		id:           id,
		cfg:          cfg,
		client:       client,
		apiKey:       apiKey,
		log:          log.WithExecutorID(id),
		state:        StateIdle,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
	}
}

func (e *ContainerExecutor) ID() string { return e.id }

func (e *ContainerExecutor) Mode() v1.ExecutionMode { return v1.ExecutionModeContainer }

// Execute creates, starts, and waits for the task container, streaming its
// combined output to the sink. The executor moves to the terminated state
// after the run regardless of outcome; it never accepts a second task.
func (e *ContainerExecutor) Execute(ctx context.Context, task *v1.Task, sink OutputSink) (*v1.TaskResult, error) {
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

	result := e.run(ctx, task, sink, log)
	ended := time.Now()
	result.StartedAt = started
	result.EndedAt = ended
	result.Metrics.DurationMs = ended.Sub(started).Milliseconds()
	result.Metrics.MemoryBytes = e.cfg.ResourceLimits.MemoryBytes

	e.mu.Lock()
	e.state = StateTerminated
	e.currentTaskID = ""
	if result.Status == v1.TaskStatusCompleted {
		e.tasksCompleted++
	}
	e.lastActivity = time.Now()
	e.mu.Unlock()

	return result, nil
}

func (e *ContainerExecutor) run(ctx context.Context, task *v1.Task, sink OutputSink, log *logger.Logger) *v1.TaskResult {
	hostDir := filepath.Join(os.TempDir(), "claudecluster", task.ID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return &v1.TaskResult{
			Status:    v1.TaskStatusFailed,
			Error:     "failed to create workspace: " + err.Error(),
			Retryable: true,
		}
	}
	e.mu.Lock()
	e.hostDir = hostDir
	e.mu.Unlock()

	env := []string{
		"CLAUDECLUSTER_TASK_ID=" + task.ID,
	}
	if task.RepoURL != "" {
		env = append(env, "CLAUDECLUSTER_REPO_URL="+task.RepoURL)
	}
	if e.apiKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+e.apiKey)
	}

	spec := docker.RunSpec{
		Name:       "claudecluster-task-" + task.ID,
		Image:      e.cfg.Image,
		Cmd:        []string{task.Prompt},
		Env:        env,
		WorkingDir: e.cfg.WorkspaceRoot,
		Mounts: []docker.MountSpec{
			{Source: hostDir, Target: e.cfg.WorkspaceRoot},
		},
		NetworkMode:    e.cfg.NetworkMode,
		Labels:         map[string]string{"claudecluster.taskId": task.ID},
		MemoryBytes:    e.cfg.ResourceLimits.MemoryBytes,
		CPUShares:      e.cfg.ResourceLimits.CPUShares,
		SecurityOpt:    e.cfg.SecurityOptions,
		ReadOnlyRootfs: e.cfg.ReadOnlyRootfs,
		AutoRemove:     false, // removed explicitly after log capture
	}

	containerID, err := e.client.CreateContainer(ctx, spec)
	if err != nil {
		return &v1.TaskResult{
			Status:    v1.TaskStatusFailed,
			Error:     "failed to create container: " + err.Error(),
			Retryable: true,
		}
	}
	e.mu.Lock()
	e.containerID = containerID
	e.mu.Unlock()
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.client.RemoveContainer(rmCtx, containerID, true); err != nil {
			log.Warn("failed to remove task container", zap.Error(err))
		}
	}()

	if err := e.client.StartContainer(ctx, containerID); err != nil {
		return &v1.TaskResult{
			Status:    v1.TaskStatusFailed,
			Error:     "failed to start container: " + err.Error(),
			Retryable: true,
		}
	}
	log.Info("task container started", zap.String("container_id", containerID))

	// Pipe the demultiplexed log stream into the sink while buffering the
	// full output for the result.
	var out strings.Builder
	pr, pw := io.Pipe()
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		buf := make([]byte, readBufferSize)
		for {
			n, rerr := pr.Read(buf)
			if n > 0 {
				text := string(buf[:n])
				out.WriteString(text)
				if sink != nil {
					sink(text)
				}
				e.touchActivity()
			}
			if rerr != nil {
				return
			}
		}
	}()
	go func() {
		defer pw.Close()
		if err := e.client.StreamLogs(ctx, containerID, pw); err != nil {
			log.Debug("log streaming ended", zap.Error(err))
		}
	}()

	exitCode, err := e.client.WaitContainer(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = e.client.KillContainer(killCtx, containerID, "SIGKILL")
			errMsg := errMsgTimeout
			if ctx.Err() == context.Canceled {
				errMsg = errMsgCancelled
			}
			<-streamDone
			return &v1.TaskResult{
				Status:    v1.TaskStatusFailed,
				Output:    out.String(),
				Error:     errMsg,
				Retryable: true,
			}
		}
		<-streamDone
		return &v1.TaskResult{
			Status:    v1.TaskStatusFailed,
			Output:    out.String(),
			Error:     "failed waiting for container: " + err.Error(),
			Retryable: true,
		}
	}
	<-streamDone

	code := int(exitCode)
	result := &v1.TaskResult{
		Output:    out.String(),
		Artifacts: collectArtifacts(hostDir, e.cfg.WorkspaceRoot),
		Metrics:   v1.TaskMetrics{ExitCode: &code},
	}
	if exitCode == 0 {
		result.Status = v1.TaskStatusCompleted
	} else {
		result.Status = v1.TaskStatusFailed
		result.Error = fmt.Sprintf("container exited with code %d", exitCode)
		result.Retryable = false
	}
	log.Info("task container finished", zap.Int64("exit_code", exitCode))
	return result
}

func (e *ContainerExecutor) touchActivity() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// collectArtifacts walks the host workspace after the run and reports files
// the task left behind. Paths are rewritten to the in-container workspace
// root so clients see the paths the agent saw. The .git directory is skipped.
func collectArtifacts(hostDir, workspaceRoot string) []v1.Artifact {
	var artifacts []v1.Artifact
	_ = filepath.Walk(hostDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(hostDir, path)
		if rerr != nil {
			return nil
		}
		artifacts = append(artifacts, v1.Artifact{
			Name:      info.Name(),
			Path:      filepath.ToSlash(filepath.Join(workspaceRoot, rel)),
			Kind:      classifyArtifact(info.Name()),
			SizeBytes: info.Size(),
			Timestamp: info.ModTime(),
		})
		return nil
	})
	return artifacts
}

func classifyArtifact(name string) v1.ArtifactKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".log":
		return v1.ArtifactKindLog
	case ".md", ".html", ".pdf":
		return v1.ArtifactKindReport
	case ".json", ".csv", ".yaml", ".yml", ".xml":
		return v1.ArtifactKindData
	default:
		return v1.ArtifactKindFile
	}
}

// Terminate force-removes the container, if one is still running, and cleans
// up the host workspace. Safe to call more than once.
func (e *ContainerExecutor) Terminate(ctx context.Context) error {
	e.terminateOnce.Do(func() {
		e.mu.Lock()
		e.state = StateTerminating
		containerID := e.containerID
		hostDir := e.hostDir
		e.mu.Unlock()

		if containerID != "" {
			if err := e.client.RemoveContainer(ctx, containerID, true); err != nil {
				e.log.Warn("failed to remove container on terminate", zap.Error(err))
			}
		}
		if hostDir != "" {
			if err := os.RemoveAll(hostDir); err != nil {
				e.log.Warn("failed to clean workspace on terminate", zap.Error(err))
			}
		}

		e.mu.Lock()
		e.state = StateTerminated
		e.mu.Unlock()
	})
	return nil
}

func (e *ContainerExecutor) IsHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateIdle || e.state == StateExecuting
}

func (e *ContainerExecutor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ID:             e.id,
		Mode:           v1.ExecutionModeContainer,
		State:          e.state,
		CurrentTaskID:  e.currentTaskID,
		StartedAt:      e.startedAt,
		TasksCompleted: e.tasksCompleted,
		LastActivity:   e.lastActivity,
		Resources: ResourceUsage{
			MemoryBytes: e.cfg.ResourceLimits.MemoryBytes,
			CPUShares:   e.cfg.ResourceLimits.CPUShares,
		},
	}
}

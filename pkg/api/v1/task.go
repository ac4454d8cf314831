// Package v1 defines the wire types shared by the coordinator and worker
// HTTP APIs.
package v1

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// TaskStatus represents the lifecycle state of a task. Transitions are
// monotonic; a task never leaves a terminal state.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state graph permits moving from s to
// next. Terminal states admit no transitions.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusAssigned || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusAssigned:
		return next == TaskStatusRunning || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// ExecutionMode selects which executor backend runs a task.
type ExecutionMode string

const (
	ExecutionModeProcessPool ExecutionMode = "process_pool"
	ExecutionModeContainer   ExecutionMode = "container_agentic"
)

// Submission bounds.
const (
	MaxPromptLength = 10000
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
	MinTimeoutMs    = 1000
	MaxTimeoutMs    = 600000
)

// Task is a unit of work submitted by a client.
type Task struct {
	ID          string                 `json:"taskId"`
	Prompt      string                 `json:"prompt"`
	Priority    int                    `json:"priority"`
	WorkerID    string                 `json:"workerId,omitempty"`
	TimeoutMs   int                    `json:"timeoutMs,omitempty"`
	Mode        ExecutionMode          `json:"mode,omitempty"`
	RepoURL     string                 `json:"repoUrl,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Status      TaskStatus             `json:"status"`
	CreatedAt   time.Time              `json:"createdAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Result      *TaskResult            `json:"result,omitempty"`
}

// Timeout returns the task's requested timeout as a duration, or zero when
// unset.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// ArtifactKind classifies a file produced by task execution.
type ArtifactKind string

const (
	ArtifactKindFile      ArtifactKind = "file"
	ArtifactKindDirectory ArtifactKind = "directory"
	ArtifactKindReport    ArtifactKind = "report"
	ArtifactKindLog       ArtifactKind = "log"
	ArtifactKindData      ArtifactKind = "data"
)

// Artifact is a handle to a file produced by task execution. Content is not
// inlined; large artifacts stay on the executor's filesystem.
type Artifact struct {
	Name      string       `json:"name"`
	Path      string       `json:"path"`
	Kind      ArtifactKind `json:"kind"`
	SizeBytes int64        `json:"sizeBytes,omitempty"`
	Checksum  string       `json:"checksum,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// TaskMetrics captures resource accounting for one execution.
type TaskMetrics struct {
	DurationMs  int64   `json:"durationMs"`
	CPUPercent  float64 `json:"cpuPercent,omitempty"`
	MemoryBytes int64   `json:"memoryBytes,omitempty"`
	ExitCode    *int    `json:"exitCode,omitempty"`
}

// TaskResult is attached to a task on completion.
// Invariant: EndedAt >= StartedAt; a completed result carries no error.
type TaskResult struct {
	Status    TaskStatus  `json:"status"`
	Output    string      `json:"output"`
	Error     string      `json:"error,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Artifacts []Artifact  `json:"artifacts,omitempty"`
	Metrics   TaskMetrics `json:"metrics"`
	StartedAt time.Time   `json:"startedAt"`
	EndedAt   time.Time   `json:"endedAt"`
	SessionID string      `json:"sessionId,omitempty"`
}

// SubmitTaskRequest is the body of the coordinator's POST /tasks and the
// worker's POST /run.
//
// TaskID is only honored on the worker's /run so the coordinator can
// dispatch under the id it already returned to the client. Clients
// submitting to the coordinator get a generated id regardless.
type SubmitTaskRequest struct {
	TaskID    string                 `json:"taskId,omitempty"`
	Prompt    string                 `json:"prompt"`
	Priority  *int                   `json:"priority,omitempty"`
	WorkerID  string                 `json:"workerId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TimeoutMs *int                   `json:"timeoutMs,omitempty"`
	Mode      ExecutionMode          `json:"mode,omitempty"`
	RepoURL   string                 `json:"repoUrl,omitempty"`
}

// Validate checks the submission bounds from the API contract. It returns a
// field name and message on failure.
func (r *SubmitTaskRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt: must not be empty")
	}
	// The limit is in characters, not bytes; multibyte prompts must not be
	// penalized for their encoding.
	if utf8.RuneCountInString(r.Prompt) > MaxPromptLength {
		return fmt.Errorf("prompt: exceeds maximum length of %d characters", MaxPromptLength)
	}
	if r.Priority != nil && (*r.Priority < MinPriority || *r.Priority > MaxPriority) {
		return fmt.Errorf("priority: must be between %d and %d", MinPriority, MaxPriority)
	}
	if r.TimeoutMs != nil && (*r.TimeoutMs < MinTimeoutMs || *r.TimeoutMs > MaxTimeoutMs) {
		return fmt.Errorf("timeoutMs: must be between %d and %d", MinTimeoutMs, MaxTimeoutMs)
	}
	switch r.Mode {
	case "", ExecutionModeProcessPool, ExecutionModeContainer:
	default:
		return fmt.Errorf("mode: must be %s or %s", ExecutionModeProcessPool, ExecutionModeContainer)
	}
	return nil
}

// EffectivePriority returns the requested priority or the default.
func (r *SubmitTaskRequest) EffectivePriority() int {
	if r.Priority != nil {
		return *r.Priority
	}
	return DefaultPriority
}

// EffectiveTimeoutMs returns the requested timeout or zero when unset.
func (r *SubmitTaskRequest) EffectiveTimeoutMs() int {
	if r.TimeoutMs != nil {
		return *r.TimeoutMs
	}
	return 0
}

// SubmitTaskResponse is the coordinator's reply to POST /tasks.
type SubmitTaskResponse struct {
	TaskID              string     `json:"taskId"`
	Status              TaskStatus `json:"status"`
	AssignedWorker      string     `json:"assignedWorker,omitempty"`
	EstimatedDurationMs int64      `json:"estimatedDuration,omitempty"`
	StreamURL           string     `json:"streamUrl"`
}

// RunTaskResponse is the worker's reply to POST /run.
type RunTaskResponse struct {
	TaskID              string     `json:"taskId"`
	Status              TaskStatus `json:"status"`
	AcceptedAt          time.Time  `json:"acceptedAt"`
	EstimatedDurationMs int64      `json:"estimatedDuration,omitempty"`
	StreamURL           string     `json:"streamUrl,omitempty"`
}

// TaskStatusResponse is the snapshot returned by GET /tasks/{id} on both the
// coordinator and the worker.
type TaskStatusResponse struct {
	TaskID         string     `json:"taskId"`
	Status         TaskStatus `json:"status"`
	AssignedWorker string     `json:"assignedWorker,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Output         string     `json:"output,omitempty"`
	Error          string     `json:"error,omitempty"`
	Progress       *int       `json:"progress,omitempty"`
	DurationMs     *int64     `json:"duration,omitempty"`
}

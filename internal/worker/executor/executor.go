// Package executor implements the single-task execution backends: a
// reusable process executor driving an agent CLI on a pseudo-terminal, and a
// one-shot container executor that runs each task in a fresh Docker
// container.
package executor

import (
	"context"
	"time"

	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// State is the lifecycle state of an executor.
type State string

const (
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateExecuting    State = "executing"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// Error messages for runs ended by the task context. Clients match on the
// "timeout" substring, so both backends report the same text.
const (
	errMsgTimeout   = "task timeout exceeded"
	errMsgCancelled = "task cancelled"
)

// ResourceUsage is a snapshot of the limits an executor runs under.
type ResourceUsage struct {
	MemoryBytes int64 `json:"memoryBytes"`
	CPUShares   int64 `json:"cpuShares"`
}

// Status is a point-in-time snapshot of an executor.
type Status struct {
	ID             string           `json:"id"`
	Mode           v1.ExecutionMode `json:"mode"`
	State          State            `json:"state"`
	CurrentTaskID  string           `json:"currentTaskId,omitempty"`
	StartedAt      time.Time        `json:"startedAt"`
	TasksCompleted int64            `json:"tasksCompleted"`
	LastActivity   time.Time        `json:"lastActivity"`
	Resources      ResourceUsage    `json:"resources"`
}

// OutputSink receives streamed output chunks as they arrive from the
// underlying process or container.
type OutputSink func(chunk string)

// Executor runs a single task at a time.
//
// Execute is exclusive: it fails with an invalid-state error when the
// executor is not idle. Execution failures (non-zero exit, timeout, backend
// crash) are reported inside the returned TaskResult, not as an error.
// Terminate releases OS resources and is idempotent after the first call.
type Executor interface {
	ID() string
	Mode() v1.ExecutionMode
	Execute(ctx context.Context, task *v1.Task, sink OutputSink) (*v1.TaskResult, error)
	Terminate(ctx context.Context) error
	IsHealthy() bool
	Status() Status
}

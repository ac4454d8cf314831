package v1

import "time"

// StreamEventType names the SSE event: field values emitted by workers and
// relayed by the coordinator.
type StreamEventType string

const (
	StreamEventStatus         StreamEventType = "status"
	StreamEventProgress       StreamEventType = "progress"
	StreamEventComplete       StreamEventType = "complete"
	StreamEventFailed         StreamEventType = "failed"
	StreamEventHeartbeat      StreamEventType = "heartbeat"
	StreamEventServerShutdown StreamEventType = "server_shutdown"
	StreamEventError          StreamEventType = "error"
)

// Event sources.
const (
	EventSourceWorker = "worker"
	EventSourceServer = "mcp-server"
)

// ProgressPayload carries one chunk of streamed executor output.
type ProgressPayload struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
}

// StreamEvent is the JSON payload of one SSE data: frame. The event type
// travels in the SSE "event:" field, not in the body.
//
// Worker-originated events carry Source "worker". When the coordinator relays
// a frame it additionally stamps RelayedBy and McpTimestamp.
type StreamEvent struct {
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`

	Status   TaskStatus       `json:"status,omitempty"`
	Progress *ProgressPayload `json:"progress,omitempty"`
	Result   *TaskResult      `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	// Retryable accompanies failed events so clients can decide whether a
	// resubmission makes sense.
	Retryable *bool `json:"retryable,omitempty"`
	// UptimeMs accompanies heartbeat events with the client connection uptime.
	UptimeMs int64 `json:"uptimeMs,omitempty"`

	RelayedBy    string     `json:"relayedBy,omitempty"`
	McpTimestamp *time.Time `json:"mcpTimestamp,omitempty"`
}

// NewWorkerEvent builds a worker-originated stream event.
func NewWorkerEvent(taskID string) StreamEvent {
	return StreamEvent{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Source:    EventSourceWorker,
	}
}

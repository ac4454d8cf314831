package v1

import "time"

// WorkerStatus is the coordinator's last-observed status of a worker.
type WorkerStatus string

const (
	WorkerStatusAvailable WorkerStatus = "available"
	WorkerStatusBusy      WorkerStatus = "busy"
	WorkerStatusOffline   WorkerStatus = "offline"
	WorkerStatusError     WorkerStatus = "error"
)

// Selectable reports whether a worker in this status may receive tasks.
func (s WorkerStatus) Selectable() bool {
	return s == WorkerStatusAvailable || s == WorkerStatusBusy
}

// WorkerRecord is the coordinator's view of one worker.
type WorkerRecord struct {
	ID              string       `json:"id"`
	Endpoint        string       `json:"endpoint"`
	Status          WorkerStatus `json:"status"`
	ActiveTasks     int          `json:"activeTasks"`
	MaxTasks        int          `json:"maxTasks"`
	LastHealthCheck time.Time    `json:"lastHealthCheck"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	Version         string       `json:"version,omitempty"`
	UptimeMs        int64        `json:"uptimeMs,omitempty"`
}

// WorkerHealthResponse is the body of the worker's GET /health.
type WorkerHealthResponse struct {
	WorkerID           string       `json:"workerId"`
	Name               string       `json:"name,omitempty"`
	Status             WorkerStatus `json:"status"`
	ActiveTasks        int          `json:"activeTasks"`
	MaxTasks           int          `json:"maxTasks"`
	TotalTasksExecuted int64        `json:"totalTasksExecuted"`
	UptimeMs           int64        `json:"uptimeMs"`
	Capabilities       []string     `json:"capabilities"`
	Version            string       `json:"version,omitempty"`
}

// CoordinatorHealthResponse is the body of the coordinator's GET /health.
type CoordinatorHealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	UptimeMs  int64                  `json:"uptime"`
	Workers   CoordinatorWorkerStats `json:"workers"`
	Tasks     CoordinatorTaskStats   `json:"tasks"`
	Version   string                 `json:"version"`
}

// CoordinatorWorkerStats summarizes the registry for /health.
type CoordinatorWorkerStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Offline   int `json:"offline"`
}

// CoordinatorTaskStats summarizes the task index for /health.
type CoordinatorTaskStats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// WorkersResponse is the body of the coordinator's GET /workers.
type WorkersResponse struct {
	Workers          []WorkerRecord `json:"workers"`
	TotalWorkers     int            `json:"totalWorkers"`
	AvailableWorkers int            `json:"availableWorkers"`
	TotalActiveTasks int            `json:"totalActiveTasks"`
}

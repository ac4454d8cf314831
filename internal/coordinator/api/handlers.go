package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/coordinator/registry"
	"github.com/claudecluster/claudecluster/internal/coordinator/sse"
	"github.com/claudecluster/claudecluster/internal/coordinator/taskman"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// Version is stamped at build time.
var Version = "dev"

type handlers struct {
	cfg       *config.CoordinatorConfig
	manager   *taskman.Manager
	registry  *registry.Registry
	relay     *sse.Manager
	log       *logger.Logger
	startedAt time.Time
}

func newHandlers(cfg *config.CoordinatorConfig, mgr *taskman.Manager, reg *registry.Registry, relay *sse.Manager, log *logger.Logger) *handlers {
	return &handlers{
		cfg:       cfg,
		manager:   mgr,
		registry:  reg,
		relay:     relay,
		log:       log,
		startedAt: time.Now(),
	}
}

func writeError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

// health reports the coordinator's aggregate view. Unhealthy (503) when the
// registry has workers configured but none reachable.
func (h *handlers) health(c *gin.Context) {
	workerStats := h.registry.Stats()
	taskStats := h.manager.Stats()

	status := "healthy"
	code := http.StatusOK
	if workerStats.Total > 0 && workerStats.Available == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, v1.CoordinatorHealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		UptimeMs:  time.Since(h.startedAt).Milliseconds(),
		Workers:   workerStats,
		Tasks:     taskStats,
		Version:   Version,
	})
}

// submitTask validates the submission and hands it to the task manager.
func (h *handlers) submitTask(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	rec, err := h.manager.Submit(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.SubmitTaskResponse{
		TaskID:         rec.Task.ID,
		Status:         rec.Task.Status,
		AssignedWorker: rec.WorkerEndpoint,
		StreamURL:      fmt.Sprintf("/stream/%s", rec.Task.ID),
	})
}

// getTask returns the coordinator's snapshot of one task.
func (h *handlers) getTask(c *gin.Context) {
	rec, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := v1.TaskStatusResponse{
		TaskID:         rec.Task.ID,
		Status:         rec.Task.Status,
		AssignedWorker: rec.WorkerEndpoint,
		CreatedAt:      rec.Task.CreatedAt,
		StartedAt:      rec.Task.StartedAt,
		CompletedAt:    rec.Task.CompletedAt,
	}
	if rec.Task.Result != nil {
		resp.Output = rec.Task.Result.Output
		resp.Error = rec.Task.Result.Error
		d := rec.Task.Result.Metrics.DurationMs
		resp.DurationMs = &d
	}
	c.JSON(http.StatusOK, resp)
}

// cancelTask forwards a best-effort cancel.
func (h *handlers) cancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": id, "status": "cancelling"})
}

// stream relays the task's worker event stream to this client.
func (h *handlers) stream(c *gin.Context) {
	taskID := c.Param("id")
	rec, err := h.manager.Get(taskID)
	if err != nil {
		writeError(c, err)
		return
	}

	frames, detach, connectedAt, err := h.relay.Subscribe(taskID, rec.WorkerEndpoint)
	if err != nil {
		writeError(c, apperrors.Internal("failed to open relay", err))
		return
	}
	defer detach()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	sse.WriteFrames(c.Request.Context(), c.Writer, frames, connectedAt, taskID)
}

// workers lists the registry's view of the fleet.
func (h *handlers) workers(c *gin.Context) {
	records := h.registry.Snapshot()
	resp := v1.WorkersResponse{
		Workers:      records,
		TotalWorkers: len(records),
	}
	for _, w := range records {
		if w.Status.Selectable() {
			resp.AvailableWorkers++
		}
		resp.TotalActiveTasks += w.ActiveTasks
	}
	c.JSON(http.StatusOK, resp)
}

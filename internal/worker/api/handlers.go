package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	apperrors "github.com/claudecluster/claudecluster/internal/common/errors"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/events/bus"
	"github.com/claudecluster/claudecluster/internal/worker/engine"
	"github.com/claudecluster/claudecluster/internal/worker/provider"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// Version is stamped at build time.
var Version = "dev"

type handlers struct {
	cfg       *config.WorkerConfig
	engine    *engine.Engine
	unified   *provider.UnifiedProvider
	bus       bus.EventBus
	log       *logger.Logger
	startedAt time.Time
}

func newHandlers(cfg *config.WorkerConfig, eng *engine.Engine, unified *provider.UnifiedProvider, eventBus bus.EventBus, log *logger.Logger) *handlers {
	return &handlers{
		cfg:       cfg,
		engine:    eng,
		unified:   unified,
		bus:       eventBus,
		log:       log,
		startedAt: time.Now(),
	}
}

// writeError renders an AppError as the JSON error body.
func writeError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

// health reports the worker's capacity and capability snapshot.
func (h *handlers) health(c *gin.Context) {
	active := h.engine.ActiveCount()
	status := v1.WorkerStatusAvailable
	if active >= h.engine.Capacity() {
		status = v1.WorkerStatusBusy
	}

	var totalExecuted int64
	capabilities := make([]string, 0, 2)
	for _, st := range h.unified.Stats() {
		totalExecuted += st.TotalExecuted
		capabilities = append(capabilities, string(st.Mode))
	}

	c.JSON(http.StatusOK, v1.WorkerHealthResponse{
		WorkerID:           h.cfg.WorkerID,
		Name:               h.cfg.Name,
		Status:             status,
		ActiveTasks:        active,
		MaxTasks:           h.engine.Capacity(),
		TotalTasksExecuted: totalExecuted,
		UptimeMs:           time.Since(h.startedAt).Milliseconds(),
		Capabilities:       capabilities,
		Version:            Version,
	})
}

// run accepts one task for asynchronous execution.
func (h *handlers) run(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	task := &v1.Task{
		ID:        taskID,
		Prompt:    req.Prompt,
		Priority:  req.EffectivePriority(),
		TimeoutMs: req.EffectiveTimeoutMs(),
		Mode:      req.Mode,
		RepoURL:   req.RepoURL,
		Metadata:  req.Metadata,
		Status:    v1.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.engine.Submit(task); err != nil {
		writeError(c, err)
		return
	}

	h.log.WithTaskID(taskID).Info("task accepted",
		zap.Int("priority", task.Priority),
		zap.String("mode", string(task.Mode)))

	c.JSON(http.StatusOK, v1.RunTaskResponse{
		TaskID:     taskID,
		Status:     v1.TaskStatusAssigned,
		AcceptedAt: time.Now().UTC(),
		StreamURL:  fmt.Sprintf("/stream/%s", taskID),
	})
}

// getTask returns a point-in-time task snapshot.
func (h *handlers) getTask(c *gin.Context) {
	task, err := h.engine.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := v1.TaskStatusResponse{
		TaskID:      task.ID,
		Status:      task.Status,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	}
	if task.Result != nil {
		resp.Output = task.Result.Output
		resp.Error = task.Result.Error
		d := task.Result.Metrics.DurationMs
		resp.DurationMs = &d
	}
	c.JSON(http.StatusOK, resp)
}

// cancelTask requests best-effort cancellation. Cancelling an already
// terminal task is a no-op success to keep the operation idempotent.
func (h *handlers) cancelTask(c *gin.Context) {
	id := c.Param("id")
	err := h.engine.Cancel(id)
	if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeInvalidState) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": id, "status": "cancelling"})
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/events/bus"
	"github.com/claudecluster/claudecluster/internal/worker/engine"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

// heartbeatInterval is how often an idle SSE connection gets a keep-alive
// event.
const heartbeatInterval = 30 * time.Second

// streamBuffer bounds undelivered events per SSE client; a client this far
// behind is disconnected rather than allowed to block the bus.
const streamBuffer = 128

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so frames reach the client as they happen.
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

func writeFrame(c *gin.Context, eventType string, data []byte) error {
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	if f, ok := c.Writer.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// stream serves the per-task SSE feed. The connection stays open until the
// task reaches a terminal state or the client disconnects.
func (h *handlers) stream(c *gin.Context) {
	taskID := c.Param("id")
	task, err := h.engine.Get(taskID)
	if err != nil {
		writeError(c, err)
		return
	}

	setSSEHeaders(c)
	connectedAt := time.Now()
	log := h.log.WithTaskID(taskID)

	// Terminal before the client ever connected: replay the final event and
	// close.
	if task.Status.IsTerminal() {
		h.writeFinalFrame(c, task)
		return
	}

	events := make(chan *bus.Event, streamBuffer)
	sub, err := h.bus.Subscribe(engine.TaskSubject(taskID), func(_ context.Context, ev *bus.Event) error {
		select {
		case events <- ev:
		default:
			// Buffer full; the select loop below will notice and hang up.
		}
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// The task may have finished between the snapshot and the subscribe;
	// without this re-check the final event would never arrive.
	if task, err = h.engine.Get(taskID); err == nil && task.Status.IsTerminal() {
		h.writeFinalFrame(c, task)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			log.Debug("sse client disconnected")
			return

		case <-heartbeat.C:
			hb := v1.NewWorkerEvent(taskID)
			hb.UptimeMs = time.Since(connectedAt).Milliseconds()
			data, merr := json.Marshal(hb)
			if merr != nil {
				continue
			}
			if werr := writeFrame(c, string(v1.StreamEventHeartbeat), data); werr != nil {
				return
			}

		case ev := <-events:
			if werr := writeFrame(c, ev.Type, ev.Data); werr != nil {
				log.Debug("sse write failed", zap.Error(werr))
				return
			}
			if ev.Type == string(v1.StreamEventComplete) || ev.Type == string(v1.StreamEventFailed) {
				return
			}
		}
	}
}

// writeFinalFrame renders a terminal task snapshot as its closing SSE event.
func (h *handlers) writeFinalFrame(c *gin.Context, task *v1.Task) {
	ev := v1.NewWorkerEvent(task.ID)
	ev.Status = task.Status
	eventType := v1.StreamEventComplete
	switch task.Status {
	case v1.TaskStatusCompleted:
		ev.Result = task.Result
	case v1.TaskStatusFailed, v1.TaskStatusCancelled:
		eventType = v1.StreamEventFailed
		if task.Result != nil {
			ev.Error = task.Result.Error
			retryable := task.Result.Retryable
			ev.Retryable = &retryable
		}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = writeFrame(c, string(eventType), data)
}

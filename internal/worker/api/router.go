// Package api is the worker's HTTP surface: task intake, status, cancel,
// and the per-task SSE stream.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/claudecluster/claudecluster/internal/common/config"
	"github.com/claudecluster/claudecluster/internal/common/httpmw"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/events/bus"
	"github.com/claudecluster/claudecluster/internal/worker/engine"
	"github.com/claudecluster/claudecluster/internal/worker/provider"
)

// NewRouter builds the worker's gin engine with the standard middleware
// chain and all routes mounted.
func NewRouter(cfg *config.WorkerConfig, eng *engine.Engine, unified *provider.UnifiedProvider, eventBus bus.EventBus, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(log, "worker"))
	r.Use(httpmw.OtelTracing("claudecluster-worker"))

	h := newHandlers(cfg, eng, unified, eventBus, log)

	r.GET("/health", h.health)
	r.GET("/hello", h.health) // legacy alias
	r.POST("/run", h.run)
	r.GET("/tasks/:id", h.getTask)
	r.DELETE("/tasks/:id", h.cancelTask)
	r.GET("/stream/:id", h.stream)

	return r
}

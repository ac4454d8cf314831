// Package api is the coordinator's HTTP surface: task submission, status,
// the SSE relay endpoint, and the worker fleet view.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/claudecluster/claudecluster/internal/common/config"
	"github.com/claudecluster/claudecluster/internal/common/httpmw"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/coordinator/registry"
	"github.com/claudecluster/claudecluster/internal/coordinator/sse"
	"github.com/claudecluster/claudecluster/internal/coordinator/taskman"
)

// NewRouter builds the coordinator's gin engine with the standard
// middleware chain and all routes mounted.
func NewRouter(cfg *config.CoordinatorConfig, mgr *taskman.Manager, reg *registry.Registry, relay *sse.Manager, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(log, "coordinator"))
	r.Use(httpmw.OtelTracing("claudecluster-coordinator"))

	h := newHandlers(cfg, mgr, reg, relay, log)

	r.GET("/health", h.health)
	r.POST("/tasks", h.submitTask)
	r.GET("/tasks/:id", h.getTask)
	r.DELETE("/tasks/:id", h.cancelTask)
	r.GET("/stream/:id", h.stream)
	r.GET("/workers", h.workers)

	return r
}

// Package mcp exposes the coordinator's task operations as MCP tools so
// agent frontends can submit and track cluster tasks without speaking the
// REST API. Both the SSE transport (/sse, /message) and the Streamable HTTP
// transport (/mcp) are mounted on the coordinator's own listener.
package mcp

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/coordinator/registry"
	"github.com/claudecluster/claudecluster/internal/coordinator/taskman"
)

// Server wraps the MCP tool surface over the task manager and registry.
type Server struct {
	mcpServer  *server.MCPServer
	sseServer  *server.SSEServer
	streamable *server.StreamableHTTPServer
	log        *logger.Logger
}

// New builds the MCP server with all tools registered. Version is the
// coordinator build version reported during the MCP handshake.
func New(mgr *taskman.Manager, reg *registry.Registry, version string, log *logger.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"claudecluster-coordinator",
		version,
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, mgr, reg, log)

	s := &Server{
		mcpServer: mcpServer,
		sseServer: server.NewSSEServer(mcpServer),
		streamable: server.NewStreamableHTTPServer(mcpServer,
			server.WithEndpointPath("/mcp"),
		),
		log: log,
	}
	return s
}

// Mount attaches both MCP transports to the coordinator's router.
func (s *Server) Mount(r *gin.Engine) {
	r.Any("/sse", gin.WrapH(s.sseServer.SSEHandler()))
	r.Any("/message", gin.WrapH(s.sseServer.MessageHandler()))
	r.Any("/mcp", gin.WrapH(s.streamable))
	s.log.Info("mcp transports mounted",
		zap.String("sse_endpoint", "/sse"),
		zap.String("streamable_http_endpoint", "/mcp"))
}

// Shutdown closes any active MCP sessions on both transports.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.sseServer.Shutdown(ctx); err != nil {
		s.log.Warn("failed to shutdown mcp sse transport", zap.Error(err))
	}
	if err := s.streamable.Shutdown(ctx); err != nil {
		s.log.Warn("failed to shutdown mcp streamable transport", zap.Error(err))
	}
}

// Package tools exposes the coordination surface as MCP tools. The stdio
// transport is primary (the agent runtime speaks JSON-RPC over the process
// pipe); SSE and streamable HTTP transports can additionally be mounted on a
// gin router for clients that connect over the network.
package tools

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/swarmbus/swarmbus/internal/channels"
	"github.com/swarmbus/swarmbus/internal/common/logger"
	"github.com/swarmbus/swarmbus/internal/directmsg"
	"github.com/swarmbus/swarmbus/internal/identity"
	"github.com/swarmbus/swarmbus/internal/registry"
	"github.com/swarmbus/swarmbus/internal/workqueue"
)

// Services are the domain layers the tool handlers dispatch into.
type Services struct {
	Identity  *identity.Service
	Registry  *registry.Service
	Channels  *channels.Service
	DirectMsg *directmsg.Service
	WorkQueue *workqueue.Service
}

// Server wraps the MCP server with its transports.
type Server struct {
	svc        Services
	mcpServer  *server.MCPServer
	sseServer  *server.SSEServer
	httpServer *server.StreamableHTTPServer
	logger     *logger.Logger
	mu         sync.Mutex
	running    bool
}

// New creates the tool server and registers all tools.
func New(svc Services, log *logger.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: log.WithFields(zap.String("component", "tools")),
	}

	s.mcpServer = server.NewMCPServer(
		"swarmbus",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	// SSE for clients like Claude Desktop and Cursor; streamable HTTP for
	// clients that speak the newer transport.
	s.sseServer = server.NewSSEServer(s.mcpServer)
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	return s
}

// ServeStdio blocks serving the stdio transport until ctx is cancelled or
// stdin closes. All logging goes to stderr; stdout belongs to the framing.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("serving tools over stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// RegisterRoutes mounts the network transports on a gin router.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/sse", gin.WrapH(s.sseServer.SSEHandler()))
	router.POST("/message", gin.WrapH(s.sseServer.MessageHandler()))
	router.Any("/mcp", gin.WrapH(s.httpServer))

	s.logger.Info("registered tool routes",
		zap.String("sse", "/sse"),
		zap.String("http", "/mcp"))
}

// Shutdown closes the network transports and any active sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	if err := s.sseServer.Shutdown(ctx); err != nil {
		s.logger.Warn("failed to shutdown SSE transport", zap.Error(err))
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("failed to shutdown streamable HTTP transport", zap.Error(err))
	}
	return nil
}

// wrap decorates a handler with dispatch logging and the implicit heartbeat.
// Handlers with requireRegistration refuse callers without a registry record.
func (s *Server) wrap(name string, requireRegistration bool, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		ctx = context.WithValue(ctx, logger.CorrelationIDKey, uuid.NewString())
		ctx = context.WithValue(ctx, logger.ToolNameKey, name)
		log := s.logger.WithContext(ctx)

		if requireRegistration {
			if _, err := s.svc.Registry.Self(ctx); err != nil {
				return errorResult(err), nil
			}
		}

		// every tool call counts as liveness
		s.svc.Registry.Heartbeat(ctx)

		res, err := h(ctx, req)

		log.Debug("tool dispatched",
			zap.Duration("duration", time.Since(start)),
			zap.Bool("is_error", res != nil && res.IsError))

		return res, err
	}
}

func (s *Server) registerTools() {
	s.registerIdentityTools()
	s.registerChannelTools()
	s.registerRegistryTools()
	s.registerMessageTools()
	s.registerWorkTools()

	s.logger.Info("registered MCP tools", zap.Int("count", 20))
}

package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (s *Server) registerIdentityTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("handle_set",
			mcp.WithDescription("Set this agent's human-readable handle. Handles are mutable labels shown alongside messages; they are not unique and not an identifier."),
			mcp.WithString("handle",
				mcp.Required(),
				mcp.Description("The handle to use, e.g. 'backend-dev'"),
			),
		),
		s.wrap("handle_set", false, s.handleSetHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("handle_get",
			mcp.WithDescription("Get this agent's current handle and stable agent ID."),
		),
		s.wrap("handle_get", false, s.handleGetHandler()),
	)
}

func (s *Server) handleSetHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handle, err := req.RequireString("handle")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := s.svc.Identity.SetHandle(ctx, handle); err != nil {
			return errorResult(err), nil
		}

		return jsonResult(map[string]string{
			"agent_id": s.svc.Identity.AgentID(),
			"handle":   handle,
		}), nil
	}
}

func (s *Server) handleGetHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handle, err := s.svc.Identity.Handle(ctx)
		if err != nil {
			return errorResult(err), nil
		}

		return jsonResult(map[string]string{
			"agent_id":   s.svc.Identity.AgentID(),
			"project_id": s.svc.Identity.ProjectID(),
			"handle":     handle,
		}), nil
	}
}

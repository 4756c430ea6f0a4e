package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmbus/swarmbus/internal/common/apperr"
	"github.com/swarmbus/swarmbus/internal/registry"
)

func (s *Server) registerRegistryTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("registry_register",
			mcp.WithDescription("Register this agent in the fleet registry. Idempotent: re-registering updates the existing record and preserves registered_at. Also creates your direct-message inbox."),
			mcp.WithString("agent_type",
				mcp.Required(),
				mcp.Description("Agent type, e.g. 'backend-dev', 'pm', 'reviewer'"),
			),
			mcp.WithArray("capabilities",
				mcp.Description("Capabilities this agent can claim work for, e.g. [\"typescript\", \"go\"]"),
			),
			mcp.WithString("visibility",
				mcp.Description("Who can discover this agent: private, project-only (default), user-only, or public"),
			),
			mcp.WithNumber("max_concurrent_tasks",
				mcp.Description("Advisory concurrency ceiling (0 = unlimited)"),
			),
			mcp.WithObject("metadata",
				mcp.Description("Arbitrary key/value metadata stored on the record"),
			),
		),
		s.wrap("registry_register", false, s.registryRegisterHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("registry_discover",
			mcp.WithDescription("Discover other agents, subject to their visibility. Results are sorted by last_heartbeat descending."),
			mcp.WithString("agent_type",
				mcp.Description("Only agents of this type"),
			),
			mcp.WithString("capability",
				mcp.Description("Only agents advertising this capability"),
			),
			mcp.WithString("status",
				mcp.Description("Only agents with this status: online, busy, or offline"),
			),
			mcp.WithString("hostname",
				mcp.Description("Only agents on this host"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Records per page (default 50, max 1000)"),
			),
			mcp.WithString("cursor",
				mcp.Description("Opaque cursor from a previous page"),
			),
		),
		s.wrap("registry_discover", false, s.registryDiscoverHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("registry_get_info",
			mcp.WithDescription("Fetch one agent's record by agent ID, subject to its visibility."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The 32-hex agent ID"),
			),
		),
		s.wrap("registry_get_info", false, s.registryGetInfoHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("registry_update_presence",
			mcp.WithDescription("Update this agent's status and/or current task count. Also refreshes last_heartbeat."),
			mcp.WithString("status",
				mcp.Description("New status: online, busy, or offline"),
			),
			mcp.WithNumber("current_task_count",
				mcp.Description("Number of tasks currently in flight"),
			),
		),
		s.wrap("registry_update_presence", false, s.registryUpdatePresenceHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("registry_deregister",
			mcp.WithDescription("Remove this agent from the registry. Safe to call when not registered."),
		),
		s.wrap("registry_deregister", false, s.registryDeregisterHandler()),
	)
}

func (s *Server) registryRegisterHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentType, err := req.RequireString("agent_type")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		params := registry.RegisterParams{
			AgentType:          agentType,
			Capabilities:       req.GetStringSlice("capabilities", nil),
			Visibility:         req.GetString("visibility", ""),
			MaxConcurrentTasks: req.GetInt("max_concurrent_tasks", 0),
		}
		if meta, ok := req.GetArguments()["metadata"].(map[string]any); ok {
			params.Metadata = meta
		}

		record, err := s.svc.Registry.Register(ctx, params)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(record), nil
	}
}

func (s *Server) registryDiscoverHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filters := registry.DiscoverFilters{
			AgentType:  req.GetString("agent_type", ""),
			Capability: req.GetString("capability", ""),
			Status:     req.GetString("status", ""),
			Hostname:   req.GetString("hostname", ""),
		}

		records, meta, err := s.svc.Registry.Discover(ctx, filters,
			req.GetInt("limit", 0),
			req.GetString("cursor", ""))
		if err != nil {
			return errorResult(err), nil
		}

		return jsonResult(map[string]any{
			"agents":     records,
			"pagination": meta,
		}), nil
	}
}

func (s *Server) registryGetInfoHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		record, err := s.svc.Registry.GetInfo(ctx, agentID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(record), nil
	}
}

func (s *Server) registryUpdatePresenceHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var taskCount *int
		if raw, ok := req.GetArguments()["current_task_count"]; ok {
			f, ok := raw.(float64)
			if !ok {
				return errorResult(apperr.InvalidArgument("current_task_count must be a number")), nil
			}
			n := int(f)
			taskCount = &n
		}

		record, err := s.svc.Registry.UpdatePresence(ctx, req.GetString("status", ""), taskCount)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(record), nil
	}
}

func (s *Server) registryDeregisterHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.svc.Registry.Deregister(ctx); err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]string{
			"status":   "deregistered",
			"agent_id": s.svc.Identity.AgentID(),
		}), nil
	}
}

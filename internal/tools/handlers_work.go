package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmbus/swarmbus/internal/workqueue"
)

func (s *Server) registerWorkTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("work_broadcast",
			mcp.WithDescription("Offer a work item to any agent with the required capability. First qualified claimant wins."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("Caller-assigned task identifier"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("What the work is"),
			),
			mcp.WithString("required_capability",
				mcp.Required(),
				mcp.Description("Capability required to claim, e.g. 'typescript'"),
			),
			mcp.WithNumber("priority",
				mcp.Description("Priority 1-10, higher is more urgent"),
			),
			mcp.WithString("deadline",
				mcp.Description("RFC 3339 deadline, e.g. '2026-09-01T12:00:00Z'"),
			),
			mcp.WithObject("context_data",
				mcp.Description("Arbitrary key/value context handed to the claimant"),
			),
			mcp.WithString("scope",
				mcp.Description("Who may claim: 'team' (default) or 'public'"),
			),
		),
		s.wrap("work_broadcast", true, s.workBroadcastHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("work_list",
			mcp.WithDescription("Preview pending work items for a capability without claiming any. Repeated calls with no interleaving claims return the same items."),
			mcp.WithString("capability",
				mcp.Required(),
				mcp.Description("Capability queue to preview"),
			),
			mcp.WithNumber("min_priority",
				mcp.Description("Only items with priority >= this"),
			),
			mcp.WithNumber("max_priority",
				mcp.Description("Only items with priority <= this"),
			),
			mcp.WithString("deadline_before",
				mcp.Description("Only items with a deadline before this RFC 3339 timestamp"),
			),
			mcp.WithString("deadline_after",
				mcp.Description("Only items with a deadline after this RFC 3339 timestamp"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum items to return (default 50, max 1000)"),
			),
		),
		s.wrap("work_list", false, s.workListHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("work_claim",
			mcp.WithDescription("Claim one work item for a capability. Claiming commits immediately: the item leaves the queue and is yours. Returns no_work_available when the queue stays empty for the whole timeout."),
			mcp.WithString("capability",
				mcp.Required(),
				mcp.Description("Capability queue to claim from"),
			),
			mcp.WithNumber("timeout_ms",
				mcp.Description("How long to wait for work, 1000-60000 ms (default 5000)"),
			),
		),
		s.wrap("work_claim", true, s.workClaimHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("work_queue_status",
			mcp.WithDescription("Get pending item counts for one capability queue, or all non-empty queues sorted by backlog."),
			mcp.WithString("capability",
				mcp.Description("Capability; omit for all non-empty queues"),
			),
		),
		s.wrap("work_queue_status", false, s.workQueueStatusHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("dlq_list",
			mcp.WithDescription("List dead-lettered work items, newest first."),
			mcp.WithString("capability",
				mcp.Description("Only entries from this capability"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Entries per page (default 50, max 1000)"),
			),
			mcp.WithString("cursor",
				mcp.Description("Opaque cursor from a previous page"),
			),
		),
		s.wrap("dlq_list", false, s.dlqListHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("dlq_retry",
			mcp.WithDescription("Move a dead-lettered item back onto its capability queue. With reset_attempts the item starts with a fresh attempt budget."),
			mcp.WithString("item_id",
				mcp.Required(),
				mcp.Description("The dlq_id from dlq_list"),
			),
			mcp.WithBoolean("reset_attempts",
				mcp.Description("Reset the attempt count to zero (default false)"),
			),
		),
		s.wrap("dlq_retry", false, s.dlqRetryHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("dlq_discard",
			mcp.WithDescription("Permanently discard a dead-lettered item."),
			mcp.WithString("item_id",
				mcp.Required(),
				mcp.Description("The dlq_id from dlq_list"),
			),
		),
		s.wrap("dlq_discard", false, s.dlqDiscardHandler()),
	)
}

func (s *Server) workBroadcastHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		capability, err := req.RequireString("required_capability")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		deadline, err := parseTime("deadline", req.GetString("deadline", ""))
		if err != nil {
			return errorResult(err), nil
		}

		params := workqueue.BroadcastParams{
			TaskID:      taskID,
			Description: description,
			Capability:  capability,
			Priority:    req.GetInt("priority", 0),
			Deadline:    deadline,
			Scope:       req.GetString("scope", ""),
		}
		if data, ok := req.GetArguments()["context_data"].(map[string]any); ok {
			params.ContextData = data
		}

		itemID, err := s.svc.WorkQueue.Broadcast(ctx, params)
		if err != nil {
			return errorResult(err), nil
		}

		return jsonResult(map[string]string{
			"work_item_id": itemID,
			"capability":   capability,
		}), nil
	}
}

func (s *Server) workListHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability, err := req.RequireString("capability")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		deadlineBefore, err := parseTime("deadline_before", req.GetString("deadline_before", ""))
		if err != nil {
			return errorResult(err), nil
		}
		deadlineAfter, err := parseTime("deadline_after", req.GetString("deadline_after", ""))
		if err != nil {
			return errorResult(err), nil
		}

		result, err := s.svc.WorkQueue.List(ctx, capability, workqueue.ListFilters{
			MinPriority:    req.GetInt("min_priority", 0),
			MaxPriority:    req.GetInt("max_priority", 0),
			DeadlineBefore: deadlineBefore,
			DeadlineAfter:  deadlineAfter,
		}, req.GetInt("limit", 0))
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) workClaimHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability, err := req.RequireString("capability")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		item, err := s.svc.WorkQueue.Claim(ctx, capability, int64(req.GetInt("timeout_ms", 0)))
		if err != nil {
			return errorResult(err), nil
		}
		if item == nil {
			return noWorkResult(), nil
		}
		return jsonResult(item), nil
	}
}

func (s *Server) workQueueStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		statuses, err := s.svc.WorkQueue.QueueStatus(ctx, req.GetString("capability", ""))
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{"queues": statuses}), nil
	}
}

func (s *Server) dlqListHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, meta, err := s.svc.WorkQueue.DLQList(ctx,
			req.GetString("capability", ""),
			req.GetInt("limit", 0),
			req.GetString("cursor", ""))
		if err != nil {
			return errorResult(err), nil
		}

		return jsonResult(map[string]any{
			"entries":    entries,
			"pagination": meta,
		}), nil
	}
}

func (s *Server) dlqRetryHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := s.svc.WorkQueue.DLQRetry(ctx, itemID, req.GetBool("reset_attempts", false))
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) dlqDiscardHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := s.svc.WorkQueue.DLQDiscard(ctx, itemID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(result), nil
	}
}

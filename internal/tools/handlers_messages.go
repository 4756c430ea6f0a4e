package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swarmbus/swarmbus/internal/directmsg"
)

func (s *Server) registerMessageTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("messages_send_direct",
			mcp.WithDescription("Send a direct message to another agent's inbox. The recipient does not need to be online; messages wait in its durable inbox."),
			mcp.WithString("recipient_agent_id",
				mcp.Required(),
				mcp.Description("The recipient's 32-hex agent ID (from registry_discover)"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message body"),
			),
			mcp.WithString("message_type",
				mcp.Description("Message type tag, e.g. 'text' (default), 'task_handoff', 'review_request'"),
			),
			mcp.WithObject("metadata",
				mcp.Description("Arbitrary key/value metadata attached to the message"),
			),
		),
		s.wrap("messages_send_direct", true, s.messagesSendHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("messages_read_direct",
			mcp.WithDescription("Read messages from your own inbox. Reading consumes: a message returned once is never returned again. Messages not matching the filters stay in the inbox."),
			mcp.WithNumber("limit",
				mcp.Description("Messages per page (default 50, max 1000)"),
			),
			mcp.WithString("message_type",
				mcp.Description("Only messages of this type"),
			),
			mcp.WithString("sender_agent_id",
				mcp.Description("Only messages from this sender"),
			),
			mcp.WithString("cursor",
				mcp.Description("Opaque cursor from a previous page"),
			),
		),
		s.wrap("messages_read_direct", true, s.messagesReadHandler()),
	)
}

func (s *Server) messagesSendHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		recipient, err := req.RequireString("recipient_agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var metadata map[string]any
		if meta, ok := req.GetArguments()["metadata"].(map[string]any); ok {
			metadata = meta
		}

		receipt, err := s.svc.DirectMsg.Send(ctx, recipient, message,
			req.GetString("message_type", ""), metadata)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(receipt), nil
	}
}

func (s *Server) messagesReadHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msgs, meta, err := s.svc.DirectMsg.Read(ctx, directmsg.ReadParams{
			Limit:         req.GetInt("limit", 0),
			MessageType:   req.GetString("message_type", ""),
			SenderAgentID: req.GetString("sender_agent_id", ""),
			Cursor:        req.GetString("cursor", ""),
		})
		if err != nil {
			return errorResult(err), nil
		}

		return jsonResult(map[string]any{
			"messages":   msgs,
			"pagination": meta,
		}), nil
	}
}

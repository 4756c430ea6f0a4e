package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (s *Server) registerChannelTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("channels_list",
			mcp.WithDescription("List the configured topic channels with their descriptions."),
		),
		s.wrap("channels_list", false, s.channelsListHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("channels_send",
			mcp.WithDescription("Publish a message to a topic channel. The message is tagged with your agent ID and handle."),
			mcp.WithString("channel",
				mcp.Required(),
				mcp.Description("Channel name, e.g. 'roadmap' or 'parallel-work'"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message body"),
			),
		),
		s.wrap("channels_send", true, s.channelsSendHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("channels_read",
			mcp.WithDescription("Read the most recent messages from a channel, newest first. Reading never consumes; every agent sees the same messages."),
			mcp.WithString("channel",
				mcp.Required(),
				mcp.Description("Channel name to read from"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Messages per page (default 50, max 1000)"),
			),
			mcp.WithString("cursor",
				mcp.Description("Opaque cursor from a previous page"),
			),
		),
		s.wrap("channels_read", false, s.channelsReadHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("channels_status",
			mcp.WithDescription("Get stream metadata for one channel or all channels without consuming anything. Poll last_seq to detect new messages."),
			mcp.WithString("channel",
				mcp.Description("Channel name; omit for all channels"),
			),
		),
		s.wrap("channels_status", false, s.channelsStatusHandler()),
	)
}

func (s *Server) channelsListHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]any{
			"channels": s.svc.Channels.List(),
		}), nil
	}
}

func (s *Server) channelsSendHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channel, err := req.RequireString("channel")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		receipt, err := s.svc.Channels.Send(ctx, channel, message)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(receipt), nil
	}
}

func (s *Server) channelsReadHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channel, err := req.RequireString("channel")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		msgs, meta, err := s.svc.Channels.Read(ctx, channel,
			req.GetInt("limit", 0),
			req.GetString("cursor", ""))
		if err != nil {
			return errorResult(err), nil
		}

		return jsonResult(map[string]any{
			"channel":    channel,
			"messages":   msgs,
			"pagination": meta,
		}), nil
	}
}

func (s *Server) channelsStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		statuses, err := s.svc.Channels.Status(ctx, req.GetString("channel", ""))
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{"channels": statuses}), nil
	}
}

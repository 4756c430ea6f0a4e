package tools

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/swarmbus/swarmbus/internal/common/apperr"
)

// jsonResult renders a success envelope as indented JSON text.
func jsonResult(payload any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errorResult(apperr.Internal("encode tool result", err))
	}
	return mcp.NewToolResultText(string(data))
}

// errorResult renders the error envelope {"error":{"kind","message"}}. The
// kind is machine-readable; agents branch on it rather than on the text.
func errorResult(err error) *mcp.CallToolResult {
	kind := apperr.KindInternal
	message := err.Error()

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		kind = appErr.Kind
		message = appErr.Message
	}

	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"kind":    kind,
			"message": message,
		},
	})
	return mcp.NewToolResultError(string(data))
}

// noWorkResult is the success-shaped sentinel for an empty claim.
func noWorkResult() *mcp.CallToolResult {
	return jsonResult(map[string]string{"status": "no_work_available"})
}

// parseTime parses an RFC 3339 timestamp argument, "" meaning absent.
func parseTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, apperr.InvalidArgument(field + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

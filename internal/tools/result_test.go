package tools

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmbus/swarmbus/internal/common/apperr"
)

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestErrorResult(t *testing.T) {
	t.Run("typed error keeps its kind", func(t *testing.T) {
		res := errorResult(apperr.NotFound("agent", "deadbeef"))
		assert.True(t, res.IsError)

		var env struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &env))
		assert.Equal(t, apperr.KindNotFound, env.Error.Kind)
		assert.Contains(t, env.Error.Message, "deadbeef")
	})

	t.Run("foreign error maps to internal", func(t *testing.T) {
		res := errorResult(errors.New("boom"))

		var env struct {
			Error struct {
				Kind string `json:"kind"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &env))
		assert.Equal(t, apperr.KindInternal, env.Error.Kind)
	})
}

func TestNoWorkResult(t *testing.T) {
	res := noWorkResult()
	assert.False(t, res.IsError)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &payload))
	assert.Equal(t, "no_work_available", payload["status"])
}

func TestParseTime(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		got, err := parseTime("deadline", "")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseTime("deadline", "2026-09-01T12:00:00Z")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 2026, got.Year())
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := parseTime("deadline", "next tuesday")
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.Broker.URL)
	assert.Equal(t, "swarmbus", cfg.Broker.ClientName)

	assert.Equal(t, int64(10_000), cfg.Channels.DefaultMaxMessages)
	assert.Equal(t, 14*24*time.Hour, cfg.Channels.DefaultMaxAge())

	assert.Equal(t, int64(1_000), cfg.Inbox.MaxMessages)
	assert.Equal(t, 7*24*time.Hour, cfg.Inbox.MaxAge())

	assert.Equal(t, 5*time.Minute, cfg.WorkQueue.AckTimeout())
	assert.Equal(t, 3, cfg.WorkQueue.MaxAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.WorkQueue.DLQTTL())

	assert.False(t, cfg.Server.Enabled)
	assert.Equal(t, 9310, cfg.Server.Port)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.OutputPath)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SWARMBUS_BROKER_URL", "ws://broker.example:8080")
	t.Setenv("SWARMBUS_BROKER_USER", "agent")
	t.Setenv("SWARMBUS_BROKER_PASS", "secret")
	t.Setenv("SWARMBUS_AGENT_ID_OVERRIDE", "0123456789abcdef0123456789abcdef")
	t.Setenv("SWARMBUS_SUBAGENT_TYPE", "reviewer")
	t.Setenv("SWARMBUS_LOG_LEVEL", "debug")
	t.Setenv("SWARMBUS_WORKQUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("SWARMBUS_WORKQUEUE_ACK_TIMEOUT_MS", "60000")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "ws://broker.example:8080", cfg.Broker.URL)
	assert.Equal(t, "agent", cfg.Broker.User)
	assert.Equal(t, "secret", cfg.Broker.Pass)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Identity.AgentIDOverride)
	assert.Equal(t, "reviewer", cfg.Identity.SubagentType)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.WorkQueue.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.WorkQueue.AckTimeout())
}

func TestValidate(t *testing.T) {
	t.Run("rejects unknown broker scheme", func(t *testing.T) {
		t.Setenv("SWARMBUS_BROKER_URL", "http://localhost:4222")
		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheme")
	})

	t.Run("accepts every broker scheme", func(t *testing.T) {
		for _, url := range []string{
			"nats://localhost:4222",
			"tls://broker.example:4222",
			"ws://broker.example:8080",
			"wss://broker.example:443",
		} {
			t.Setenv("SWARMBUS_BROKER_URL", url)
			_, err := LoadWithPath(t.TempDir())
			assert.NoError(t, err, url)
		}
	})

	t.Run("rejects bad log level", func(t *testing.T) {
		t.Setenv("SWARMBUS_LOG_LEVEL", "verbose")
		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})
}

func TestChannelSpecs(t *testing.T) {
	defaults := ChannelsConfig{
		DefaultMaxMessages: 10_000,
		DefaultMaxAgeMs:    (14 * 24 * time.Hour).Milliseconds(),
	}

	t.Run("built-in channels", func(t *testing.T) {
		specs := DefaultChannelSpecs(defaults)
		names := make([]string, 0, len(specs))
		for _, sp := range specs {
			names = append(names, sp.Name)
			assert.Regexp(t, ChannelNamePattern, sp.Name)
			assert.NotEmpty(t, sp.Description)
			assert.Equal(t, int64(10_000), sp.MaxMessages)
		}
		assert.Equal(t, []string{"roadmap", "parallel-work", "errors"}, names)
	})

	t.Run("overlay file adds and overrides", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "channels.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
channels:
  - name: roadmap
    description: overridden
    max_messages: 500
  - name: deploys
    description: deployment announcements
`), 0o644))

		specs, err := LoadChannelSpecs(ChannelsConfig{
			ConfigPath:         path,
			DefaultMaxMessages: defaults.DefaultMaxMessages,
			DefaultMaxAgeMs:    defaults.DefaultMaxAgeMs,
		})
		require.NoError(t, err)

		byName := map[string]ChannelSpec{}
		for _, sp := range specs {
			byName[sp.Name] = sp
		}

		require.Contains(t, byName, "roadmap")
		assert.Equal(t, "overridden", byName["roadmap"].Description)
		assert.Equal(t, int64(500), byName["roadmap"].MaxMessages)

		require.Contains(t, byName, "deploys")
		assert.Equal(t, defaults.DefaultMaxAgeMs, byName["deploys"].MaxAgeMs)

		// built-ins without an override stay intact
		require.Contains(t, byName, "errors")
	})

	t.Run("no overlay file yields defaults", func(t *testing.T) {
		specs, err := LoadChannelSpecs(defaults)
		require.NoError(t, err)
		assert.Len(t, specs, 3)
	})
}

package channels

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmbus/swarmbus/internal/broker/brokertest"
	"github.com/swarmbus/swarmbus/internal/common/apperr"
	"github.com/swarmbus/swarmbus/internal/common/config"
	"github.com/swarmbus/swarmbus/internal/common/logger"
	"github.com/swarmbus/swarmbus/internal/identity"
)

func testSpecs() []config.ChannelSpec {
	return config.DefaultChannelSpecs(config.ChannelsConfig{
		DefaultMaxMessages: 10_000,
		DefaultMaxAgeMs:    (14 * 24 * time.Hour).Milliseconds(),
	})
}

func newTestService(t *testing.T) (*Service, *brokertest.Fake) {
	t.Helper()
	fake := brokertest.New()
	id, err := identity.NewService(context.Background(), config.IdentityConfig{
		ProjectIDOverride: "abc123def456",
	}, fake, logger.Default())
	require.NoError(t, err)
	return NewService(fake, id, testSpecs(), logger.Default()), fake
}

func TestStreamNaming(t *testing.T) {
	assert.Equal(t, "CHANNEL_ABC123DEF456_PARALLEL_WORK", StreamName("abc123def456", "parallel-work"))
	assert.Equal(t, "global.channels.abc123def456.parallel-work", Subject("abc123def456", "parallel-work"))
}

func TestSendAndRead(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		receipt, err := svc.Send(ctx, "roadmap", "shipping v2 on friday")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), receipt.Seq)

		msgs, meta, err := svc.Read(ctx, "roadmap", 10, "")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "shipping v2 on friday", msgs[0].Body)
		assert.NotEmpty(t, msgs[0].SenderAgentID)
		assert.NotEmpty(t, msgs[0].SenderHandle)
		require.NotNil(t, meta.Total)
		assert.Equal(t, 1, *meta.Total)
	})

	t.Run("omitted limit reads a default window", func(t *testing.T) {
		_, err := svc.Send(ctx, "roadmap", "second")
		require.NoError(t, err)
		_, err = svc.Send(ctx, "roadmap", "third")
		require.NoError(t, err)

		msgs, meta, err := svc.Read(ctx, "roadmap", 0, "")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		require.NotNil(t, meta.Total)
		assert.Equal(t, 3, *meta.Total)
		assert.False(t, meta.HasMore)
	})

	t.Run("unknown channel", func(t *testing.T) {
		_, err := svc.Send(ctx, "nonexistent", "hello")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

		_, _, err = svc.Read(ctx, "nonexistent", 10, "")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("empty body rejected", func(t *testing.T) {
		_, err := svc.Send(ctx, "roadmap", "")
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	})

	t.Run("uppercase channel name rejected", func(t *testing.T) {
		_, err := svc.Send(ctx, "Roadmap", "hello")
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	})
}

func TestReadPagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		_, err := svc.Send(ctx, "parallel-work", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	collect := func(msgs []Message) []string {
		bodies := make([]string, 0, len(msgs))
		for _, m := range msgs {
			assert.False(t, seen[m.Body], "message %s returned twice", m.Body)
			seen[m.Body] = true
			bodies = append(bodies, m.Body)
		}
		return bodies
	}

	// page 1: newest five
	msgs, meta, err := svc.Read(ctx, "parallel-work", 5, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"m12", "m11", "m10", "m9", "m8"}, collect(msgs))
	require.NotNil(t, meta.Total)
	assert.Equal(t, 12, *meta.Total)
	assert.True(t, meta.HasMore)
	require.NotEmpty(t, meta.NextCursor)

	// page 2
	msgs, meta, err = svc.Read(ctx, "parallel-work", 5, meta.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"m7", "m6", "m5", "m4", "m3"}, collect(msgs))
	assert.True(t, meta.HasMore)
	require.NotEmpty(t, meta.NextCursor)

	// page 3: the remaining two
	msgs, meta, err = svc.Read(ctx, "parallel-work", 5, meta.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, collect(msgs))
	assert.False(t, meta.HasMore)
	assert.Empty(t, meta.NextCursor)
}

func TestReadCursorMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := svc.Send(ctx, "roadmap", "msg")
		require.NoError(t, err)
	}

	_, meta, err := svc.Read(ctx, "roadmap", 3, "")
	require.NoError(t, err)
	require.NotEmpty(t, meta.NextCursor)

	// same cursor, different channel
	_, _, err = svc.Read(ctx, "errors", 3, meta.NextCursor)
	assert.Equal(t, apperr.KindPaginationFilterMismatch, apperr.KindOf(err))
}

func TestStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("uninitialized channel reports no messages", func(t *testing.T) {
		statuses, err := svc.Status(ctx, "errors")
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.False(t, statuses[0].Initialized)
		assert.Equal(t, "no messages yet", statuses[0].Note)
	})

	t.Run("read of empty channel returns empty list", func(t *testing.T) {
		msgs, meta, err := svc.Read(ctx, "errors", 10, "")
		require.NoError(t, err)
		assert.Empty(t, msgs)
		require.NotNil(t, meta.Total)
		assert.Equal(t, 0, *meta.Total)
	})

	t.Run("last_seq tracks sends", func(t *testing.T) {
		before, err := svc.Status(ctx, "roadmap")
		require.NoError(t, err)

		_, err = svc.Send(ctx, "roadmap", "one")
		require.NoError(t, err)
		_, err = svc.Send(ctx, "roadmap", "two")
		require.NoError(t, err)

		after, err := svc.Status(ctx, "roadmap")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), after[0].LastSeq-before[0].LastSeq)
		assert.True(t, after[0].Initialized)
	})

	t.Run("all channels", func(t *testing.T) {
		statuses, err := svc.Status(ctx, "")
		require.NoError(t, err)
		assert.Len(t, statuses, 3)
	})
}

func TestEnsureChannels(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureChannels(ctx))

	names, err := fake.StreamNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "CHANNEL_ABC123DEF456_ROADMAP")
	assert.Contains(t, names, "CHANNEL_ABC123DEF456_PARALLEL_WORK")
	assert.Contains(t, names, "CHANNEL_ABC123DEF456_ERRORS")
}

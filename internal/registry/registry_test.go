package registry

import (
	"context"
	"encoding/json"
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

// mockInboxEnsurer records which inboxes were created.
type mockInboxEnsurer struct {
	ensured []string
}

func (m *mockInboxEnsurer) EnsureInbox(ctx context.Context, agentID string) error {
	m.ensured = append(m.ensured, agentID)
	return nil
}

func newTestService(t *testing.T) (*Service, *identity.Service, *brokertest.Fake, *mockInboxEnsurer) {
	t.Helper()
	fake := brokertest.New()
	id, err := identity.NewService(context.Background(), config.IdentityConfig{
		ProjectIDOverride: "abc123def456",
	}, fake, logger.Default())
	require.NoError(t, err)

	inbox := &mockInboxEnsurer{}
	svc, err := NewService(context.Background(), fake, id, inbox, logger.Default())
	require.NoError(t, err)
	return svc, id, fake, inbox
}

// seedRecord writes a foreign agent record straight into the registry bucket.
func seedRecord(t *testing.T, fake *brokertest.Fake, rec AgentRecord) {
	t.Helper()
	kv, err := fake.KeyValue(context.Background(), Bucket, 0)
	require.NoError(t, err)
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = kv.Put(context.Background(), rec.AgentID, data)
	require.NoError(t, err)
}

func foreignID(n int) string {
	return fmt.Sprintf("%032x", n)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("creates record and inbox", func(t *testing.T) {
		svc, id, _, inbox := newTestService(t)

		rec, err := svc.Register(ctx, RegisterParams{
			AgentType:    "backend-dev",
			Capabilities: []string{"go", "typescript", "go"},
		})
		require.NoError(t, err)

		assert.Equal(t, id.AgentID(), rec.AgentID)
		assert.Equal(t, "backend-dev", rec.AgentType)
		assert.Equal(t, []string{"go", "typescript"}, rec.Capabilities)
		assert.Equal(t, VisibilityProjectOnly, rec.Visibility)
		assert.Equal(t, StatusOnline, rec.Status)
		assert.False(t, rec.RegisteredAt.IsZero())
		assert.Equal(t, []string{id.AgentID()}, inbox.ensured)
	})

	t.Run("auto-generates handle from agent type", func(t *testing.T) {
		svc, id, _, _ := newTestService(t)

		rec, err := svc.Register(ctx, RegisterParams{AgentType: "reviewer"})
		require.NoError(t, err)
		assert.Equal(t, "reviewer", rec.Handle)

		handle, err := id.Handle(ctx)
		require.NoError(t, err)
		assert.Equal(t, "reviewer", handle)
	})

	t.Run("idempotent on re-registration", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		first, err := svc.Register(ctx, RegisterParams{AgentType: "backend-dev"})
		require.NoError(t, err)

		second, err := svc.Register(ctx, RegisterParams{
			AgentType:    "backend-dev",
			Capabilities: []string{"go"},
		})
		require.NoError(t, err)

		assert.Equal(t, first.AgentID, second.AgentID)
		assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
		assert.Equal(t, []string{"go"}, second.Capabilities)
	})

	t.Run("validation", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		_, err := svc.Register(ctx, RegisterParams{})
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

		_, err = svc.Register(ctx, RegisterParams{AgentType: "x", Visibility: "everyone"})
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

		_, err = svc.Register(ctx, RegisterParams{AgentType: "x", MaxConcurrentTasks: -1})
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	})
}

func TestSelfAndPresence(t *testing.T) {
	ctx := context.Background()

	t.Run("self before registration", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.Self(ctx)
		assert.Equal(t, apperr.KindNotRegistered, apperr.KindOf(err))
	})

	t.Run("update presence", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.Register(ctx, RegisterParams{AgentType: "backend-dev"})
		require.NoError(t, err)

		count := 2
		rec, err := svc.UpdatePresence(ctx, StatusBusy, &count)
		require.NoError(t, err)
		assert.Equal(t, StatusBusy, rec.Status)
		assert.Equal(t, 2, rec.CurrentTaskCount)

		// status-only update keeps the count
		rec, err = svc.UpdatePresence(ctx, StatusOnline, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusOnline, rec.Status)
		assert.Equal(t, 2, rec.CurrentTaskCount)
	})

	t.Run("update presence before registration", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.UpdatePresence(ctx, StatusBusy, nil)
		assert.Equal(t, apperr.KindNotRegistered, apperr.KindOf(err))
	})

	t.Run("invalid status", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.Register(ctx, RegisterParams{AgentType: "backend-dev"})
		require.NoError(t, err)

		_, err = svc.UpdatePresence(ctx, "sleeping", nil)
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	})
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	_, err := svc.Register(ctx, RegisterParams{AgentType: "backend-dev"})
	require.NoError(t, err)

	require.NoError(t, svc.Deregister(ctx))
	_, err = svc.Self(ctx)
	assert.Equal(t, apperr.KindNotRegistered, apperr.KindOf(err))

	// deregistering again is not an error
	require.NoError(t, svc.Deregister(ctx))
}

func TestVisibility(t *testing.T) {
	caller := CallerInfo{
		AgentID:   foreignID(1),
		ProjectID: "abc123def456",
		Username:  "alice",
	}

	cases := []struct {
		name    string
		rec     AgentRecord
		visible bool
	}{
		{"private own record", AgentRecord{AgentID: foreignID(1), Visibility: VisibilityPrivate}, true},
		{"private other record", AgentRecord{AgentID: foreignID(2), Visibility: VisibilityPrivate}, false},
		{"project-only same project", AgentRecord{AgentID: foreignID(2), ProjectID: "abc123def456", Visibility: VisibilityProjectOnly}, true},
		{"project-only other project", AgentRecord{AgentID: foreignID(2), ProjectID: "other", Visibility: VisibilityProjectOnly}, false},
		{"user-only same user", AgentRecord{AgentID: foreignID(2), Username: "alice", Visibility: VisibilityUserOnly}, true},
		{"user-only other user", AgentRecord{AgentID: foreignID(2), Username: "bob", Visibility: VisibilityUserOnly}, false},
		{"public", AgentRecord{AgentID: foreignID(2), ProjectID: "other", Username: "bob", Visibility: VisibilityPublic}, true},
		{"unset visibility behaves as project-only", AgentRecord{AgentID: foreignID(2), ProjectID: "abc123def456"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.visible, VisibleTo(&tc.rec, caller))
		})
	}
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	svc, id, fake, _ := newTestService(t)

	me := id.Identity()
	now := time.Now().UTC()

	// two visible project peers and one invisible stranger
	seedRecord(t, fake, AgentRecord{
		AgentID: foreignID(1), ProjectID: me.ProjectID, AgentType: "backend-dev",
		Capabilities: []string{"go"}, Visibility: VisibilityProjectOnly,
		Status: StatusOnline, LastHeartbeat: now.Add(-time.Minute),
	})
	seedRecord(t, fake, AgentRecord{
		AgentID: foreignID(2), ProjectID: me.ProjectID, AgentType: "reviewer",
		Capabilities: []string{"typescript"}, Visibility: VisibilityProjectOnly,
		Status: StatusBusy, LastHeartbeat: now,
	})
	seedRecord(t, fake, AgentRecord{
		AgentID: foreignID(3), ProjectID: "other-project", AgentType: "backend-dev",
		Visibility: VisibilityProjectOnly, Status: StatusOnline, LastHeartbeat: now,
	})

	t.Run("visibility filters the stranger", func(t *testing.T) {
		recs, meta, err := svc.Discover(ctx, DiscoverFilters{}, 10, "")
		require.NoError(t, err)
		require.NotNil(t, meta.Total)
		assert.Equal(t, 2, *meta.Total)
		for _, r := range recs {
			assert.NotEqual(t, foreignID(3), r.AgentID)
		}
	})

	t.Run("sorted by last heartbeat descending", func(t *testing.T) {
		recs, _, err := svc.Discover(ctx, DiscoverFilters{}, 10, "")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, foreignID(2), recs[0].AgentID)
		assert.Equal(t, foreignID(1), recs[1].AgentID)
	})

	t.Run("agent type filter", func(t *testing.T) {
		recs, _, err := svc.Discover(ctx, DiscoverFilters{AgentType: "reviewer"}, 10, "")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, foreignID(2), recs[0].AgentID)
	})

	t.Run("capability filter", func(t *testing.T) {
		recs, _, err := svc.Discover(ctx, DiscoverFilters{Capability: "go"}, 10, "")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, foreignID(1), recs[0].AgentID)
	})

	t.Run("status filter", func(t *testing.T) {
		recs, _, err := svc.Discover(ctx, DiscoverFilters{Status: StatusBusy}, 10, "")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, foreignID(2), recs[0].AgentID)
	})

	t.Run("invalid status filter", func(t *testing.T) {
		_, _, err := svc.Discover(ctx, DiscoverFilters{Status: "sleeping"}, 10, "")
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	})

	t.Run("pagination", func(t *testing.T) {
		page1, meta, err := svc.Discover(ctx, DiscoverFilters{}, 1, "")
		require.NoError(t, err)
		require.Len(t, page1, 1)
		assert.True(t, meta.HasMore)

		page2, meta, err := svc.Discover(ctx, DiscoverFilters{}, 1, meta.NextCursor)
		require.NoError(t, err)
		require.Len(t, page2, 1)
		assert.False(t, meta.HasMore)
		assert.NotEqual(t, page1[0].AgentID, page2[0].AgentID)
	})
}

func TestUserOnlyVisibility(t *testing.T) {
	ctx := context.Background()
	svc, id, fake, _ := newTestService(t)
	me := id.Identity()

	// X registered user-only under the caller's own username, W under another
	seedRecord(t, fake, AgentRecord{
		AgentID: foreignID(10), Username: me.Username,
		Visibility: VisibilityUserOnly, LastHeartbeat: time.Now().UTC(),
	})
	seedRecord(t, fake, AgentRecord{
		AgentID: foreignID(11), Username: me.Username + "-someone-else",
		Visibility: VisibilityUserOnly, LastHeartbeat: time.Now().UTC(),
	})

	recs, _, err := svc.Discover(ctx, DiscoverFilters{}, 10, "")
	require.NoError(t, err)

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.AgentID)
	}
	assert.Contains(t, ids, foreignID(10))
	assert.NotContains(t, ids, foreignID(11))
}

func TestGetInfo(t *testing.T) {
	ctx := context.Background()
	svc, id, fake, _ := newTestService(t)

	t.Run("invalid agent id", func(t *testing.T) {
		_, err := svc.GetInfo(ctx, "not-an-id")
		assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := svc.GetInfo(ctx, foreignID(42))
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("invisible record is permission denied", func(t *testing.T) {
		seedRecord(t, fake, AgentRecord{
			AgentID: foreignID(5), ProjectID: "other-project",
			Visibility: VisibilityProjectOnly,
		})
		_, err := svc.GetInfo(ctx, foreignID(5))
		assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
	})

	t.Run("own record", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterParams{AgentType: "backend-dev"})
		require.NoError(t, err)

		rec, err := svc.GetInfo(ctx, id.AgentID())
		require.NoError(t, err)
		assert.Equal(t, id.AgentID(), rec.AgentID)
	})
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	svc, _, fake, _ := newTestService(t)

	ok, err := svc.Exists(ctx, foreignID(7))
	require.NoError(t, err)
	assert.False(t, ok)

	// even an invisible record exists for recipient checks
	seedRecord(t, fake, AgentRecord{
		AgentID: foreignID(7), ProjectID: "other-project",
		Visibility: VisibilityPrivate,
	})
	ok, err = svc.Exists(ctx, foreignID(7))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	// no record: silently ignored
	svc.Heartbeat(ctx)

	rec, err := svc.Register(ctx, RegisterParams{AgentType: "backend-dev"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	svc.Heartbeat(ctx)

	after, err := svc.Self(ctx)
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(rec.LastHeartbeat))
}

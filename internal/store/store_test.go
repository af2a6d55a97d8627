package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// eachStore runs fn against both implementations so they stay in agreement.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestStore_UpsertHeartbeat(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		stored, err := s.UpsertHeartbeat(ctx, "agent_x", base)
		require.NoError(t, err)
		assert.True(t, base.Equal(stored))

		later := base.Add(30 * time.Second)
		stored, err = s.UpsertHeartbeat(ctx, "agent_x", later)
		require.NoError(t, err)
		assert.True(t, later.Equal(stored))

		rec, err := s.GetHeartbeat(ctx, "agent_x")
		require.NoError(t, err)
		assert.True(t, later.Equal(rec.LastHeartbeat))

		all, err := s.ListHeartbeats(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1, "replayed heartbeats never add rows")
	})
}

func TestStore_UpsertHeartbeatNeverMovesBackwards(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.UpsertHeartbeat(ctx, "agent_x", base.Add(time.Minute))
		require.NoError(t, err)

		stored, err := s.UpsertHeartbeat(ctx, "agent_x", base)
		require.NoError(t, err)
		assert.True(t, base.Add(time.Minute).Equal(stored))
	})
}

func TestStore_GetHeartbeatNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetHeartbeat(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListHeartbeatsOrdered(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			_, err := s.UpsertHeartbeat(ctx, id, base)
			require.NoError(t, err)
		}

		all, err := s.ListHeartbeats(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].AgentID)
		assert.Equal(t, "b", all[1].AgentID)
		assert.Equal(t, "c", all[2].AgentID)
	})
}

func TestStore_DeviceStatusLogIsAppendOnly(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first := &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "kb1", DeviceName: "Keyboard", Status: "active",
			KeyboardEvents: 12, LastActivity: base,
		}
		require.NoError(t, s.AppendDeviceStatus(ctx, first))
		assert.NotZero(t, first.ID)

		second := &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "kb1", DeviceName: "Keyboard", Status: "inactive",
			LastActivity: base.Add(time.Minute),
		}
		require.NoError(t, s.AppendDeviceStatus(ctx, second))
		assert.Greater(t, second.ID, first.ID)

		n, err := s.CountDeviceStatuses(ctx, "a1", "kb1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		history, err := s.DeviceStatusHistory(ctx, "a1", "kb1", 0)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "inactive", history[0].Status)
		assert.Equal(t, "active", history[1].Status)
		assert.Equal(t, int64(12), history[1].KeyboardEvents)
		assert.True(t, history[1].ReportedAt.IsZero())

		limited, err := s.DeviceStatusHistory(ctx, "a1", "kb1", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestStore_LatestDeviceStatusesUsesEventTime(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// The newer report arrives first; the delayed older one must not win.
		require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "kb1", Status: "inactive",
			LastActivity: base.Add(time.Minute), ReportedAt: base.Add(50 * time.Second),
		}))
		require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "kb1", Status: "active",
			LastActivity: base.Add(2 * time.Minute), ReportedAt: base.Add(10 * time.Second),
		}))
		require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "mouse", Status: "active", LastActivity: base,
		}))

		latest, err := s.LatestDeviceStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "kb1", latest[0].DeviceID)
		assert.Equal(t, "inactive", latest[0].Status)
		assert.True(t, base.Add(50*time.Second).Equal(latest[0].ReportedAt))
		assert.Equal(t, "mouse", latest[1].DeviceID)
	})
}

func TestStore_LatestDeviceStatusesClampsFutureTimestamps(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// An agent clock ten minutes fast, then corrected.
		require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "kb1", Status: "inactive",
			LastActivity: base, ReportedAt: base.Add(10 * time.Minute),
		}))
		require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "kb1", Status: "active",
			LastActivity: base.Add(time.Minute), ReportedAt: base.Add(time.Minute),
		}))

		latest, err := s.LatestDeviceStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "active", latest[0].Status)
		assert.True(t, base.Add(time.Minute).Equal(latest[0].LastActivity))
	})
}

func TestStore_LatestDeviceStatusesReportsLatestArrival(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "kb1", Status: "active",
			LastActivity: base, ReportedAt: base,
		}))
		// Agent clock stepped back: older event time, later arrival.
		require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
			AgentID: "a1", DeviceID: "kb1", Status: "inactive",
			LastActivity: base.Add(3 * time.Minute), ReportedAt: base.Add(-5 * time.Minute),
		}))

		latest, err := s.LatestDeviceStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "active", latest[0].Status)
		assert.True(t, base.Add(3*time.Minute).Equal(latest[0].LastActivity))
	})
}

func TestStore_LatestDeviceStatusesTieGoesToLaterRow(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, status := range []string{"active", "inactive"} {
			require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
				AgentID: "a1", DeviceID: "kb1", Status: status, LastActivity: base,
			}))
		}

		latest, err := s.LatestDeviceStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "inactive", latest[0].Status)
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "fleet.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = s.UpsertHeartbeat(ctx, "agent_x", base)
	require.NoError(t, err)
	require.NoError(t, s.AppendDeviceStatus(ctx, &DeviceStatusRecord{
		AgentID: "agent_x", DeviceID: "input", Status: "active", LastActivity: base,
	}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.GetHeartbeat(ctx, "agent_x")
	require.NoError(t, err)
	assert.True(t, base.Equal(rec.LastHeartbeat))

	n, err := s.CountDeviceStatuses(ctx, "agent_x", "input")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStore_MigratesBareSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE device_statuses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			last_activity INTEGER NOT NULL
		);
		INSERT INTO device_statuses (agent_id, device_id, status, last_activity)
		VALUES ('a1', 'kb1', 'active', 1000);
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	history, err := s.DeviceStatusHistory(context.Background(), "a1", "kb1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "", history[0].DeviceName)
	assert.Equal(t, int64(0), history[0].MouseClicks)
	assert.Equal(t, int64(1000), history[0].LastActivity.UnixMilli())
}

func TestMockStore_FailWith(t *testing.T) {
	s := NewMockStore()
	boom := errors.New("disk full")
	s.FailWith(boom)

	_, err := s.UpsertHeartbeat(context.Background(), "a1", base)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.AppendDeviceStatus(context.Background(), &DeviceStatusRecord{}), boom)

	s.FailWith(nil)
	_, err = s.UpsertHeartbeat(context.Background(), "a1", base)
	assert.NoError(t, err)
}

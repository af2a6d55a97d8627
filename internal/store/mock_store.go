// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	heartbeats map[string]time.Time  // keyed by agent ID
	statuses   []*DeviceStatusRecord // insertion order
	nextID     int64
	failErr    error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		heartbeats: make(map[string]time.Time),
	}
}

// FailWith makes every subsequent call return err; nil restores normal behaviour.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// UpsertHeartbeat stores the later of the existing and given times.
func (m *MockStore) UpsertHeartbeat(ctx context.Context, agentID string, at time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return time.Time{}, m.failErr
	}

	at = at.Truncate(time.Millisecond).UTC()
	if existing, ok := m.heartbeats[agentID]; ok && existing.After(at) {
		return existing, nil
	}
	m.heartbeats[agentID] = at
	return at, nil
}

// GetHeartbeat retrieves one agent's heartbeat.
func (m *MockStore) GetHeartbeat(ctx context.Context, agentID string) (*HeartbeatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	at, ok := m.heartbeats[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &HeartbeatRecord{AgentID: agentID, LastHeartbeat: at}, nil
}

// ListHeartbeats returns all heartbeats ordered by agent id.
func (m *MockStore) ListHeartbeats(ctx context.Context) ([]*HeartbeatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	records := make([]*HeartbeatRecord, 0, len(m.heartbeats))
	for id, at := range m.heartbeats {
		records = append(records, &HeartbeatRecord{AgentID: id, LastHeartbeat: at})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].AgentID < records[j].AgentID
	})
	return records, nil
}

// AppendDeviceStatus adds a copy of rec to the log.
func (m *MockStore) AppendDeviceStatus(ctx context.Context, rec *DeviceStatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	m.nextID++
	rec.ID = m.nextID
	r := *rec
	m.statuses = append(m.statuses, &r)
	return nil
}

// LatestDeviceStatuses returns the newest row per device with its latest arrival.
func (m *MockStore) LatestDeviceStatuses(ctx context.Context) ([]*DeviceStatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	latest := make(map[[2]string]*DeviceStatusRecord)
	lastSeen := make(map[[2]string]time.Time)
	for _, rec := range m.statuses {
		key := [2]string{rec.AgentID, rec.DeviceID}
		cur, ok := latest[key]
		if !ok || !rec.EventTime().Before(cur.EventTime()) {
			latest[key] = rec
		}
		if rec.LastActivity.After(lastSeen[key]) {
			lastSeen[key] = rec.LastActivity
		}
	}

	records := make([]*DeviceStatusRecord, 0, len(latest))
	for key, rec := range latest {
		r := *rec
		r.LastActivity = lastSeen[key]
		records = append(records, &r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].AgentID != records[j].AgentID {
			return records[i].AgentID < records[j].AgentID
		}
		return records[i].DeviceID < records[j].DeviceID
	})
	return records, nil
}

// DeviceStatusHistory returns a device's rows newest first.
func (m *MockStore) DeviceStatusHistory(ctx context.Context, agentID, deviceID string, limit int) ([]*DeviceStatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	limit = clampLimit(limit)
	var records []*DeviceStatusRecord
	for i := len(m.statuses) - 1; i >= 0 && len(records) < limit; i-- {
		rec := m.statuses[i]
		if rec.AgentID == agentID && rec.DeviceID == deviceID {
			r := *rec
			records = append(records, &r)
		}
	}
	return records, nil
}

// CountDeviceStatuses counts a device's rows.
func (m *MockStore) CountDeviceStatuses(ctx context.Context, agentID, deviceID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return 0, m.failErr
	}

	n := 0
	for _, rec := range m.statuses {
		if rec.AgentID == agentID && rec.DeviceID == deviceID {
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks.
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

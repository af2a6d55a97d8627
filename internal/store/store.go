// ABOUTME: Store interface and record types for fleet persistence
// ABOUTME: Heartbeats are one row per agent; device statuses are an append-only log

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DefaultHistoryLimit caps DeviceStatusHistory when no limit is given.
const DefaultHistoryLimit = 100

// MaxHistoryLimit is the largest page DeviceStatusHistory will return.
const MaxHistoryLimit = 1000

// HeartbeatRecord is the latest heartbeat seen from one agent
type HeartbeatRecord struct {
	AgentID       string
	LastHeartbeat time.Time
}

// DeviceStatusRecord is one row of the device status log
type DeviceStatusRecord struct {
	ID             int64
	AgentID        string
	DeviceID       string
	DeviceName     string
	Status         string
	KeyboardEvents int64
	MouseClicks    int64
	LastActivity   time.Time // arrival time at the server
	ReportedAt     time.Time // origin timestamp from the agent; zero if absent
}

// EventTime is the time the report describes: the origin timestamp when the
// agent sent one, otherwise the arrival time. An origin timestamp later than
// the arrival time is clamped to the arrival time, so a fast agent clock
// cannot pin a report as latest.
func (r *DeviceStatusRecord) EventTime() time.Time {
	if !r.ReportedAt.IsZero() && !r.ReportedAt.After(r.LastActivity) {
		return r.ReportedAt
	}
	return r.LastActivity
}

// Store defines the interface for fleet state persistence
type Store interface {
	// UpsertHeartbeat records a heartbeat for agentID. The stored value never
	// moves backwards; the value actually stored is returned.
	UpsertHeartbeat(ctx context.Context, agentID string, at time.Time) (time.Time, error)

	// GetHeartbeat returns the stored heartbeat for one agent, or ErrNotFound.
	GetHeartbeat(ctx context.Context, agentID string) (*HeartbeatRecord, error)

	// ListHeartbeats returns every agent's heartbeat ordered by agent id.
	ListHeartbeats(ctx context.Context) ([]*HeartbeatRecord, error)

	// AppendDeviceStatus adds a row to the status log and sets rec.ID.
	AppendDeviceStatus(ctx context.Context, rec *DeviceStatusRecord) error

	// LatestDeviceStatuses returns the newest row per (agent_id, device_id)
	// by event time, ties broken by insertion order. LastActivity on each
	// returned record is the device's latest arrival across all its rows.
	LatestDeviceStatuses(ctx context.Context) ([]*DeviceStatusRecord, error)

	// DeviceStatusHistory returns rows for one device, newest first.
	DeviceStatusHistory(ctx context.Context, agentID, deviceID string, limit int) ([]*DeviceStatusRecord, error)

	// CountDeviceStatuses returns how many rows exist for one device.
	CountDeviceStatuses(ctx context.Context, agentID, deviceID string) (int, error)

	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

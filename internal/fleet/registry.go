// ABOUTME: In-memory index of fleet state: last heartbeat per agent, latest status per device
// ABOUTME: Owned by the server; each map has its own lock and never moves backwards in time

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Davery92/sara-jarvis/internal/store"
)

// DeviceKey identifies one device on one agent.
type DeviceKey struct {
	AgentID  string
	DeviceID string
}

// AgentView is an agent's liveness as of a given instant.
type AgentView struct {
	AgentID       string    `json:"agent_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Online        bool      `json:"online"`
}

// DeviceView is the latest known status of a device.
type DeviceView struct {
	AgentID        string    `json:"agent_id"`
	DeviceID       string    `json:"device_id"`
	DeviceName     string    `json:"device_name"`
	Status         string    `json:"status"`
	KeyboardEvents int64     `json:"keyboard_events"`
	MouseClicks    int64     `json:"mouse_clicks"`
	LastActivity   time.Time `json:"last_activity"`
	ReportedAt     time.Time `json:"reported_at,omitzero"`
}

// Registry tracks the latest heartbeat and device status seen by the server.
type Registry struct {
	agentsMu sync.RWMutex
	agents   map[string]time.Time

	devicesMu sync.RWMutex
	devices   map[DeviceKey]store.DeviceStatusRecord

	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents:  make(map[string]time.Time),
		devices: make(map[DeviceKey]store.DeviceStatusRecord),
		logger:  logger.With("component", "registry"),
	}
}

// Load seeds the registry from durable state so liveness and the latest
// device statuses survive a restart.
func (r *Registry) Load(ctx context.Context, s store.Store) error {
	heartbeats, err := s.ListHeartbeats(ctx)
	if err != nil {
		return fmt.Errorf("loading heartbeats: %w", err)
	}
	for _, hb := range heartbeats {
		r.RecordHeartbeat(hb.AgentID, hb.LastHeartbeat)
	}

	statuses, err := s.LatestDeviceStatuses(ctx)
	if err != nil {
		return fmt.Errorf("loading device statuses: %w", err)
	}
	for _, rec := range statuses {
		r.UpdateDevice(rec)
	}

	r.logger.Info("registry loaded", "agents", len(heartbeats), "devices", len(statuses))
	return nil
}

// RecordHeartbeat advances the agent's last heartbeat to at, unless a later
// one is already recorded. It returns the value now held.
func (r *Registry) RecordHeartbeat(agentID string, at time.Time) time.Time {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()

	if cur, ok := r.agents[agentID]; ok && cur.After(at) {
		return cur
	}
	r.agents[agentID] = at
	return at
}

// LastHeartbeat returns the agent's last heartbeat, if any.
func (r *Registry) LastHeartbeat(agentID string) (time.Time, bool) {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	at, ok := r.agents[agentID]
	return at, ok
}

// Agents returns every known agent with its online state at now, sorted by id.
// An agent is online iff now - last_heartbeat <= timeout.
func (r *Registry) Agents(now time.Time, timeout time.Duration) []AgentView {
	r.agentsMu.RLock()
	views := make([]AgentView, 0, len(r.agents))
	for id, last := range r.agents {
		views = append(views, AgentView{
			AgentID:       id,
			LastHeartbeat: last,
			Online:        now.Sub(last) <= timeout,
		})
	}
	r.agentsMu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].AgentID < views[j].AgentID })
	return views
}

// UpdateDevice makes rec the device's current status unless the indexed
// status describes a later moment. Ties go to rec. It reports whether the
// status changed. A rejected report still advances LastActivity, which
// tracks the latest arrival and drives staleness.
func (r *Registry) UpdateDevice(rec *store.DeviceStatusRecord) bool {
	key := DeviceKey{AgentID: rec.AgentID, DeviceID: rec.DeviceID}

	r.devicesMu.Lock()
	defer r.devicesMu.Unlock()

	cur, ok := r.devices[key]
	if ok && rec.EventTime().Before(cur.EventTime()) {
		if rec.LastActivity.After(cur.LastActivity) {
			cur.LastActivity = rec.LastActivity
			r.devices[key] = cur
		}
		return false
	}

	next := *rec
	if ok && cur.LastActivity.After(next.LastActivity) {
		next.LastActivity = cur.LastActivity
	}
	r.devices[key] = next
	return true
}

// Device returns the current status of one device.
func (r *Registry) Device(agentID, deviceID string) (DeviceView, bool) {
	r.devicesMu.RLock()
	defer r.devicesMu.RUnlock()

	rec, ok := r.devices[DeviceKey{AgentID: agentID, DeviceID: deviceID}]
	if !ok {
		return DeviceView{}, false
	}
	return deviceView(&rec), true
}

// Devices returns the current status of every device, sorted by key.
func (r *Registry) Devices() []DeviceView {
	r.devicesMu.RLock()
	views := make([]DeviceView, 0, len(r.devices))
	for _, rec := range r.devices {
		views = append(views, deviceView(&rec))
	}
	r.devicesMu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].AgentID != views[j].AgentID {
			return views[i].AgentID < views[j].AgentID
		}
		return views[i].DeviceID < views[j].DeviceID
	})
	return views
}

func deviceView(rec *store.DeviceStatusRecord) DeviceView {
	return DeviceView{
		AgentID:        rec.AgentID,
		DeviceID:       rec.DeviceID,
		DeviceName:     rec.DeviceName,
		Status:         rec.Status,
		KeyboardEvents: rec.KeyboardEvents,
		MouseClicks:    rec.MouseClicks,
		LastActivity:   rec.LastActivity,
		ReportedAt:     rec.ReportedAt,
	}
}

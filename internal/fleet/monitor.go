// ABOUTME: Background staleness monitor for agents and devices
// ABOUTME: Warns on every scan, emits offline/online events once per transition, and expires commands

package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/Davery92/sara-jarvis/internal/clock"
	"github.com/Davery92/sara-jarvis/internal/events"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Registry         *Registry
	Commands         *CommandTracker
	Events           events.Publisher
	Clock            clock.Clock
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
	CommandTimeout   time.Duration
	CommandRetention time.Duration
	Logger           *slog.Logger
}

// Report is the outcome of one scan.
type Report struct {
	Online          []string
	Offline         []string
	InactiveDevices []DeviceKey
	ExpiredCommands []string
}

// Monitor periodically scans the registry for stale agents and devices.
// It only reads fleet state; it never evicts agents or devices.
type Monitor struct {
	cfg    MonitorConfig
	logger *slog.Logger

	// offline is touched only by Check, which runs on one goroutine.
	offline map[string]bool
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "monitor"),
		offline: make(map[string]bool),
	}
}

// Run scans every CheckInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("staleness monitor started",
		"check_interval", m.cfg.CheckInterval,
		"heartbeat_timeout", m.cfg.HeartbeatTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("staleness monitor stopped")
			return
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

// Check performs one scan at now. An entity is stale when
// now - last_update > HeartbeatTimeout.
func (m *Monitor) Check(now time.Time) Report {
	var report Report
	timeout := m.cfg.HeartbeatTimeout

	for _, a := range m.cfg.Registry.Agents(now, timeout) {
		if a.Online {
			report.Online = append(report.Online, a.AgentID)
			if m.offline[a.AgentID] {
				delete(m.offline, a.AgentID)
				m.logger.Info("agent back online", "agent_id", a.AgentID)
				m.cfg.Events.Publish(events.Event{Type: events.TypeAgentOnline, AgentID: a.AgentID, Time: now})
			}
			continue
		}

		report.Offline = append(report.Offline, a.AgentID)
		m.logger.Warn("agent offline",
			"agent_id", a.AgentID,
			"last_heartbeat", a.LastHeartbeat,
			"silent_for", now.Sub(a.LastHeartbeat).Round(time.Second),
		)
		if !m.offline[a.AgentID] {
			m.offline[a.AgentID] = true
			m.cfg.Events.Publish(events.Event{
				Type:    events.TypeAgentOffline,
				AgentID: a.AgentID,
				Time:    now,
				Data:    map[string]any{"last_heartbeat": a.LastHeartbeat},
			})
		}
	}

	for _, d := range m.cfg.Registry.Devices() {
		if now.Sub(d.LastActivity) <= timeout {
			continue
		}
		report.InactiveDevices = append(report.InactiveDevices, DeviceKey{AgentID: d.AgentID, DeviceID: d.DeviceID})
		m.logger.Warn("device inactive",
			"agent_id", d.AgentID,
			"device_id", d.DeviceID,
			"last_activity", d.LastActivity,
		)
	}

	if m.cfg.Commands != nil {
		for _, cmd := range m.cfg.Commands.Expire(now, m.cfg.CommandTimeout) {
			report.ExpiredCommands = append(report.ExpiredCommands, cmd.CommandID)
			m.logger.Warn("command expired without response",
				"agent_id", cmd.AgentID,
				"command_id", cmd.CommandID,
				"action", cmd.Action,
			)
			m.cfg.Events.Publish(events.Event{
				Type:      events.TypeCommandExpired,
				AgentID:   cmd.AgentID,
				CommandID: cmd.CommandID,
				Time:      now,
			})
		}
		if n := m.cfg.Commands.Forget(now, m.cfg.CommandRetention); n > 0 {
			m.logger.Debug("forgot finished commands", "count", n)
		}
	}

	return report
}

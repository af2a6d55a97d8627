// ABOUTME: Agent runtime: heartbeat and device-status emitters plus the command listener
// ABOUTME: Shared state is held under one mutex and never across a publish

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/clock"
)

// ErrShutdownRequested is returned by Run after a shutdown command.
var ErrShutdownRequested = errors.New("shutdown requested")

// Config identifies the agent and sets its reporting cadence.
type Config struct {
	AgentID           string
	DeviceID          string
	DeviceName        string
	HeartbeatInterval time.Duration
	HeartbeatCheck    time.Duration
	StatusInterval    time.Duration
}

// Subscriber registers bus handlers by topic filter.
type Subscriber interface {
	Handle(filter string, h bus.Handler)
}

// Runtime represents one monitored host on the bus.
type Runtime struct {
	cfg       Config
	publisher bus.Publisher
	activity  *Activity
	clock     clock.Clock
	logger    *slog.Logger

	commandsMu sync.RWMutex
	commands   map[string]CommandFunc

	mu         sync.Mutex
	lastSent   time.Time
	lastStatus bus.DeviceStatus

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a runtime publishing through publisher. The built-in commands
// get_status, ping, and shutdown are registered.
func New(cfg Config, publisher bus.Publisher, activity *Activity, clk clock.Clock, logger *slog.Logger) *Runtime {
	if clk == nil {
		clk = clock.Real()
	}
	r := &Runtime{
		cfg:       cfg,
		publisher: publisher,
		activity:  activity,
		clock:     clk,
		logger:    logger.With("component", "agent", "agent_id", cfg.AgentID),
		commands:  make(map[string]CommandFunc),
		lastStatus: bus.DeviceStatus{
			AgentID:    cfg.AgentID,
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			Status:     bus.StatusInactive,
		},
		shutdown: make(chan struct{}),
	}
	r.registerBuiltins()
	return r
}

// Register subscribes the command handler on sub.
func (r *Runtime) Register(sub Subscriber) {
	sub.Handle(bus.CommandTopic(r.cfg.AgentID), r.HandleCommand)
}

// Run emits heartbeats and status reports until ctx is cancelled or a
// shutdown command arrives, in which case it returns ErrShutdownRequested.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.statusLoop(ctx)
	}()

	r.logger.Info("agent running",
		"device_id", r.cfg.DeviceID,
		"heartbeat_interval", r.cfg.HeartbeatInterval,
		"status_interval", r.cfg.StatusInterval,
	)

	var err error
	select {
	case <-ctx.Done():
	case <-r.shutdown:
		err = ErrShutdownRequested
	}
	cancel()
	wg.Wait()
	return err
}

// RequestShutdown stops Run. Later calls do nothing.
func (r *Runtime) RequestShutdown() {
	r.shutdownOnce.Do(func() {
		r.logger.Info("shutdown requested")
		close(r.shutdown)
	})
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.HeartbeatCheck)
	defer ticker.Stop()

	r.CheckHeartbeat(ctx, r.clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHeartbeat(ctx, r.clock.Now())
		}
	}
}

// CheckHeartbeat publishes a heartbeat if none has been sent yet or the last
// one is older than the heartbeat interval. It reports whether one was sent.
// A failed publish is retried on the next check.
func (r *Runtime) CheckHeartbeat(ctx context.Context, now time.Time) bool {
	r.mu.Lock()
	due := r.lastSent.IsZero() || now.Sub(r.lastSent) > r.cfg.HeartbeatInterval
	r.mu.Unlock()
	if !due {
		return false
	}

	hb := bus.Heartbeat{AgentID: r.cfg.AgentID, Timestamp: now}
	if err := bus.PublishJSON(ctx, r.publisher, bus.TopicHeartbeat, hb); err != nil {
		r.logger.Warn("heartbeat publish failed", "error", err)
		return false
	}

	r.mu.Lock()
	r.lastSent = now
	r.mu.Unlock()
	r.logger.Debug("heartbeat sent")
	return true
}

func (r *Runtime) statusLoop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.StatusInterval)
	defer ticker.Stop()

	_, _ = r.ReportStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.ReportStatus(ctx)
		}
	}
}

// ReportStatus snapshots and resets the activity counters and publishes the
// resulting device status. The report is kept as the current status even if
// the publish fails.
func (r *Runtime) ReportStatus(ctx context.Context) (bus.DeviceStatus, error) {
	counts := r.activity.SnapshotAndReset()

	status := bus.StatusInactive
	if counts.Active() {
		status = bus.StatusActive
	}
	ds := bus.DeviceStatus{
		AgentID:        r.cfg.AgentID,
		DeviceID:       r.cfg.DeviceID,
		DeviceName:     r.cfg.DeviceName,
		Status:         status,
		KeyboardEvents: counts.KeyboardEvents,
		MouseClicks:    counts.MouseClicks,
		Timestamp:      r.clock.Now(),
	}

	r.mu.Lock()
	r.lastStatus = ds
	r.mu.Unlock()

	if err := bus.PublishJSON(ctx, r.publisher, bus.TopicDeviceStatus, ds); err != nil {
		r.logger.Warn("device status publish failed", "error", err)
		return ds, err
	}
	r.logger.Debug("device status sent",
		"status", ds.Status,
		"keyboard_events", ds.KeyboardEvents,
		"mouse_clicks", ds.MouseClicks,
	)
	return ds, nil
}

// LastStatus returns the most recent device status report.
func (r *Runtime) LastStatus() bus.DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStatus
}

// Presence builds this agent's presence message.
func (r *Runtime) Presence(online bool) *bus.Message {
	return PresenceMessage(r.cfg.AgentID, online, r.clock.Now())
}

// PresenceMessage builds the presence message for agentID, used both as the
// on-connect announcement and as the last-will.
func PresenceMessage(agentID string, online bool, at time.Time) *bus.Message {
	p := bus.Presence{AgentID: agentID, Online: online}
	if online {
		p.Timestamp = at
	}
	payload, _ := json.Marshal(p)
	return &bus.Message{Topic: bus.PresenceTopic(agentID), Payload: payload}
}

// ABOUTME: Fleet ingestion and command dispatch: the operations behind the server's HTTP surface
// ABOUTME: Persists before updating memory, publishes commands on the bus, and emits fleet events

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/clock"
	"github.com/Davery92/sara-jarvis/internal/events"
	"github.com/Davery92/sara-jarvis/internal/store"
)

const tracerName = "github.com/Davery92/sara-jarvis/internal/fleet"

// ServiceConfig wires a Service to its collaborators.
type ServiceConfig struct {
	Store            store.Store
	Registry         *Registry
	Commands         *CommandTracker
	Publisher        bus.Publisher
	Events           events.Publisher
	Clock            clock.Clock
	HeartbeatTimeout time.Duration
	Logger           *slog.Logger
}

// Service implements heartbeat and status ingestion, command dispatch, and
// the read side used by the query routes.
type Service struct {
	store     store.Store
	registry  *Registry
	commands  *CommandTracker
	publisher bus.Publisher
	events    events.Publisher
	clock     clock.Clock
	timeout   time.Duration
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewService creates a Service. Events and Clock default to a discarding
// publisher and the wall clock.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		registry:  cfg.Registry,
		commands:  cfg.Commands,
		publisher: cfg.Publisher,
		events:    cfg.Events,
		clock:     cfg.Clock,
		timeout:   cfg.HeartbeatTimeout,
		tracer:    otel.Tracer(tracerName),
		logger:    cfg.Logger.With("component", "fleet"),
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IngestHeartbeat records that agentID is alive now. The stored heartbeat
// only ever moves forward, so replays are harmless.
func (s *Service) IngestHeartbeat(ctx context.Context, hb bus.Heartbeat) (_ time.Time, err error) {
	ctx, span := s.startSpan(ctx, "fleet.IngestHeartbeat", attribute.String("agent_id", hb.AgentID))
	defer func() { endSpan(span, err) }()

	if err := checkAgentID(hb.AgentID); err != nil {
		return time.Time{}, err
	}

	now := s.clock.Now()
	stored, err := s.store.UpsertHeartbeat(ctx, hb.AgentID, now)
	if err != nil {
		return time.Time{}, persistence("storing heartbeat", err)
	}
	last := s.registry.RecordHeartbeat(hb.AgentID, stored)

	s.logger.Debug("heartbeat received", "agent_id", hb.AgentID)
	s.events.Publish(events.Event{Type: events.TypeHeartbeat, AgentID: hb.AgentID, Time: now})
	return last, nil
}

// IngestDeviceStatus appends the report to the status log and, unless a
// later report is already indexed, makes it the device's current status.
func (s *Service) IngestDeviceStatus(ctx context.Context, ds bus.DeviceStatus) (_ *store.DeviceStatusRecord, err error) {
	ctx, span := s.startSpan(ctx, "fleet.IngestDeviceStatus",
		attribute.String("agent_id", ds.AgentID),
		attribute.String("device_id", ds.DeviceID),
	)
	defer func() { endSpan(span, err) }()

	if err := checkAgentID(ds.AgentID); err != nil {
		return nil, err
	}
	if ds.DeviceID == "" {
		return nil, required("device_id")
	}

	now := s.clock.Now()
	rec := &store.DeviceStatusRecord{
		AgentID:        ds.AgentID,
		DeviceID:       ds.DeviceID,
		DeviceName:     ds.DeviceName,
		Status:         ds.Status,
		KeyboardEvents: ds.KeyboardEvents,
		MouseClicks:    ds.MouseClicks,
		LastActivity:   now,
		ReportedAt:     ds.Timestamp,
	}
	if err := s.store.AppendDeviceStatus(ctx, rec); err != nil {
		return nil, persistence("storing device status", err)
	}

	if !s.registry.UpdateDevice(rec) {
		s.logger.Info("stale device status kept in history only",
			"agent_id", ds.AgentID,
			"device_id", ds.DeviceID,
			"reported_at", ds.Timestamp,
		)
		return rec, nil
	}

	s.logger.Debug("device status updated",
		"agent_id", ds.AgentID,
		"device_id", ds.DeviceID,
		"status", ds.Status,
	)
	s.events.Publish(events.Event{
		Type:     events.TypeDeviceStatus,
		AgentID:  ds.AgentID,
		DeviceID: ds.DeviceID,
		Time:     now,
		Data:     deviceView(rec),
	})
	return rec, nil
}

// DispatchCommand publishes cmd to the agent's command topic under a fresh
// command id and returns without waiting for the response. Offline agents
// are not special: the command is accepted and simply never answered.
func (s *Service) DispatchCommand(ctx context.Context, agentID string, cmd bus.Command) (_ CommandRecord, err error) {
	ctx, span := s.startSpan(ctx, "fleet.DispatchCommand",
		attribute.String("agent_id", agentID),
		attribute.String("action", cmd.Action),
	)
	defer func() { endSpan(span, err) }()

	if err := checkAgentID(agentID); err != nil {
		return CommandRecord{}, err
	}
	if cmd.Action == "" {
		return CommandRecord{}, required("action")
	}

	cmd.CommandID = uuid.New().String()
	span.SetAttributes(attribute.String("command_id", cmd.CommandID))

	rec := CommandRecord{
		CommandID:    cmd.CommandID,
		AgentID:      agentID,
		Action:       cmd.Action,
		Args:         cmd.Args,
		DispatchedAt: s.clock.Now(),
	}
	// Track before publishing; a fast response must find its entry.
	s.commands.Track(rec)

	if err := bus.PublishJSON(ctx, s.publisher, bus.CommandTopic(agentID), cmd); err != nil {
		s.commands.Untrack(cmd.CommandID)
		s.logger.Error("command publish failed",
			"agent_id", agentID,
			"command_id", cmd.CommandID,
			"error", err,
		)
		return CommandRecord{}, fmt.Errorf("dispatching %s to %s: %w", cmd.Action, agentID, err)
	}

	s.logger.Info("command dispatched",
		"agent_id", agentID,
		"command_id", cmd.CommandID,
		"action", cmd.Action,
	)
	s.events.Publish(events.Event{
		Type:      events.TypeCommandDispatched,
		AgentID:   agentID,
		CommandID: cmd.CommandID,
		Time:      rec.DispatchedAt,
		Data:      map[string]any{"action": cmd.Action},
	})

	rec.State = CommandPending
	return rec, nil
}

// HandleCommandResponse correlates an agent's response with its command.
// A response that matches nothing is logged and reported as accepted, since
// the agent cannot do anything about it.
func (s *Service) HandleCommandResponse(ctx context.Context, agentID string, resp bus.Response) (_ *CommandRecord, err error) {
	_, span := s.startSpan(ctx, "fleet.HandleCommandResponse",
		attribute.String("agent_id", agentID),
		attribute.String("command_id", resp.CommandID),
	)
	defer func() { endSpan(span, err) }()

	if err := checkAgentID(agentID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rec, ok := s.commands.Resolve(agentID, resp, now)
	if !ok {
		return nil, nil
	}

	s.logger.Info("command response received",
		"agent_id", agentID,
		"command_id", rec.CommandID,
		"state", rec.State,
	)
	s.events.Publish(events.Event{
		Type:      events.TypeCommandResponse,
		AgentID:   agentID,
		CommandID: rec.CommandID,
		Time:      now,
		Data:      rec,
	})
	return &rec, nil
}

// HandlePresence records an agent's connect announcement or last-will.
// Liveness stays heartbeat-derived; presence is informational.
func (s *Service) HandlePresence(ctx context.Context, p bus.Presence) (err error) {
	_, span := s.startSpan(ctx, "fleet.HandlePresence", attribute.String("agent_id", p.AgentID))
	defer func() { endSpan(span, err) }()

	if err := checkAgentID(p.AgentID); err != nil {
		return err
	}

	if p.Online {
		s.logger.Info("agent connected to bus", "agent_id", p.AgentID)
	} else {
		s.logger.Warn("agent left bus", "agent_id", p.AgentID)
	}
	s.events.Publish(events.Event{
		Type:    events.TypePresence,
		AgentID: p.AgentID,
		Time:    s.clock.Now(),
		Data:    map[string]any{"online": p.Online},
	})
	return nil
}

// Agents lists every known agent with its online state at the current time.
func (s *Service) Agents() []AgentView {
	return s.registry.Agents(s.clock.Now(), s.timeout)
}

// Devices lists the current status of every known device.
func (s *Service) Devices() []DeviceView {
	return s.registry.Devices()
}

// DeviceHistory returns the device's status log, newest first.
func (s *Service) DeviceHistory(ctx context.Context, agentID, deviceID string, limit int) ([]DeviceView, error) {
	if agentID == "" {
		return nil, required("agent_id")
	}
	if deviceID == "" {
		return nil, required("device_id")
	}

	recs, err := s.store.DeviceStatusHistory(ctx, agentID, deviceID, limit)
	if err != nil {
		return nil, persistence("reading device history", err)
	}
	views := make([]DeviceView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, deviceView(rec))
	}
	return views, nil
}

// Command returns the tracked state of a command. With wait > 0 it blocks
// up to wait for a pending command to finish.
func (s *Service) Command(ctx context.Context, commandID string, wait time.Duration) (CommandRecord, error) {
	if wait <= 0 {
		return s.commands.Get(commandID)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	return s.commands.Wait(ctx, commandID)
}

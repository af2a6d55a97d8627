// ABOUTME: Relay from the MQTT bus to the central server's HTTP API
// ABOUTME: Drops malformed payloads, dedupes redelivered responses, and never retries a failed forward

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/dedupe"
)

// Relay errors
var (
	// ErrMalformed means a payload could not be decoded or lacks an identifier.
	ErrMalformed = errors.New("malformed payload")

	// ErrDuplicate means a command response was already forwarded.
	ErrDuplicate = errors.New("duplicate response")
)

// Forwarder delivers bus traffic to the server.
type Forwarder interface {
	Heartbeat(ctx context.Context, hb bus.Heartbeat) error
	UpdateDeviceStatus(ctx context.Context, ds bus.DeviceStatus) error
	CommandResponse(ctx context.Context, agentID string, resp bus.Response) error
	Presence(ctx context.Context, p bus.Presence) error
}

// Subscriber registers bus handlers by topic filter.
type Subscriber interface {
	Handle(filter string, h bus.Handler)
}

// Config wires a Relay.
type Config struct {
	Forwarder      Forwarder
	Dedupe         *dedupe.Cache
	ForwardTimeout time.Duration
	Logger         *slog.Logger
}

// Stats counts what the relay has done with inbound messages.
type Stats struct {
	Forwarded  int64
	Malformed  int64
	Duplicates int64
	Failed     int64
}

// Relay forwards heartbeats, device status, command responses, and presence.
type Relay struct {
	forwarder Forwarder
	dedupe    *dedupe.Cache
	timeout   time.Duration
	logger    *slog.Logger

	forwarded  atomic.Int64
	malformed  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// New creates a Relay. A nil Dedupe disables response deduplication.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 10 * time.Second
	}
	return &Relay{
		forwarder: cfg.Forwarder,
		dedupe:    cfg.Dedupe,
		timeout:   cfg.ForwardTimeout,
		logger:    cfg.Logger.With("component", "relay"),
	}
}

// Register subscribes the relay's handlers on sub.
func (r *Relay) Register(sub Subscriber) {
	sub.Handle(bus.TopicHeartbeat, r.handle(r.forwardHeartbeat))
	sub.Handle(bus.FilterDeviceStatus, r.handle(r.forwardDeviceStatus))
	sub.Handle(bus.FilterCommandResponses, r.handle(r.forwardResponse))
	sub.Handle(bus.FilterPresence, r.handle(r.forwardPresence))
}

// Stats returns a snapshot of the relay's counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Forwarded:  r.forwarded.Load(),
		Malformed:  r.malformed.Load(),
		Duplicates: r.duplicates.Load(),
		Failed:     r.failed.Load(),
	}
}

type forwardFunc func(ctx context.Context, topic string, payload []byte) error

// handle adapts a forward step into a bus handler that logs and counts the
// outcome. Nothing is returned to the bus: a failed forward is dropped.
func (r *Relay) handle(fn forwardFunc) bus.Handler {
	return func(ctx context.Context, topic string, payload []byte) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		err := fn(ctx, topic, payload)
		switch {
		case err == nil:
			r.forwarded.Add(1)
		case errors.Is(err, ErrMalformed):
			r.malformed.Add(1)
			r.logger.Warn("dropping malformed message", "topic", topic, "error", err)
		case errors.Is(err, ErrDuplicate):
			r.duplicates.Add(1)
			r.logger.Debug("dropping duplicate response", "topic", topic)
		default:
			r.failed.Add(1)
			r.logger.Error("forward failed", "topic", topic, "error", err)
		}
	}
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return nil
}

func missing(field string) error {
	return errors.Join(ErrMalformed, errors.New(field+" is required"))
}

func (r *Relay) forwardHeartbeat(ctx context.Context, _ string, payload []byte) error {
	var hb bus.Heartbeat
	if err := decode(payload, &hb); err != nil {
		return err
	}
	if hb.AgentID == "" {
		return missing("agent_id")
	}
	if err := r.forwarder.Heartbeat(ctx, hb); err != nil {
		return err
	}
	r.logger.Debug("heartbeat forwarded", "agent_id", hb.AgentID)
	return nil
}

func (r *Relay) forwardDeviceStatus(ctx context.Context, _ string, payload []byte) error {
	var ds bus.DeviceStatus
	if err := decode(payload, &ds); err != nil {
		return err
	}
	if ds.AgentID == "" {
		return missing("agent_id")
	}
	if ds.DeviceID == "" {
		return missing("device_id")
	}
	if err := r.forwarder.UpdateDeviceStatus(ctx, ds); err != nil {
		return err
	}
	r.logger.Debug("device status forwarded", "agent_id", ds.AgentID, "device_id", ds.DeviceID)
	return nil
}

func (r *Relay) forwardResponse(ctx context.Context, topic string, payload []byte) error {
	agentID, ok := bus.AgentFromTopic(topic)
	if !ok {
		return missing("agent_id")
	}
	var resp bus.Response
	if err := decode(payload, &resp); err != nil {
		return err
	}

	// Responses without an id cannot be told apart and always go through.
	key := agentID + "/" + resp.CommandID
	dedupe := r.dedupe != nil && resp.CommandID != ""
	if dedupe && r.dedupe.Remember(key) {
		return ErrDuplicate
	}

	if err := r.forwarder.CommandResponse(ctx, agentID, resp); err != nil {
		if dedupe {
			// A later redelivery may still get through.
			r.dedupe.Forget(key)
		}
		return err
	}
	r.logger.Debug("command response forwarded", "agent_id", agentID, "command_id", resp.CommandID)
	return nil
}

func (r *Relay) forwardPresence(ctx context.Context, topic string, payload []byte) error {
	agentID, ok := bus.AgentFromTopic(topic)
	if !ok {
		return missing("agent_id")
	}
	var p bus.Presence
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.AgentID != "" && p.AgentID != agentID {
		r.logger.Warn("presence agent_id does not match topic", "topic", topic, "agent_id", p.AgentID)
	}
	p.AgentID = agentID

	if err := r.forwarder.Presence(ctx, p); err != nil {
		return err
	}
	r.logger.Debug("presence forwarded", "agent_id", agentID, "online", p.Online)
	return nil
}

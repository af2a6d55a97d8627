package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/events"
)

func TestService_IngestHeartbeatRequiresAgentID(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.IngestHeartbeat(context.Background(), bus.Heartbeat{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "agent_id", verr.Field)

	all, err := h.store.ListHeartbeats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "rejected heartbeats must not touch the store")
	assert.Empty(t, h.service.Agents())
}

func TestService_IngestHeartbeatReplayKeepsLaterTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.IngestHeartbeat(ctx, bus.Heartbeat{AgentID: "agent_x"})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)
	last, err := h.service.IngestHeartbeat(ctx, bus.Heartbeat{AgentID: "agent_x"})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), last)

	all, err := h.store.ListHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, t0.Add(10*time.Second), all[0].LastHeartbeat)

	agents := h.service.Agents()
	require.Len(t, agents, 1)
	assert.True(t, agents[0].Online)
	assert.Len(t, h.events.ofType(events.TypeHeartbeat), 2)
}

func TestService_IngestHeartbeatPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.store.FailWith(errors.New("database is locked"))

	_, err := h.service.IngestHeartbeat(context.Background(), bus.Heartbeat{AgentID: "a1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NotErrorIs(t, err, ErrValidation)

	_, ok := h.registry.LastHeartbeat("a1")
	assert.False(t, ok, "memory is only updated after the store accepts the write")
}

func TestService_IngestDeviceStatusValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{DeviceID: "kb1"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{AgentID: "a1"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "device_id", verr.Field)

	n, err := h.store.CountDeviceStatuses(ctx, "a1", "kb1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_DeviceStatusActiveThenInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{AgentID: "a1", DeviceID: "kb1", DeviceName: "Keyboard", Status: "active"})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{AgentID: "a1", DeviceID: "kb1", DeviceName: "Keyboard", Status: "inactive"})
	require.NoError(t, err)

	devices := h.service.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "inactive", devices[0].Status)
	assert.Equal(t, "Keyboard", devices[0].DeviceName)

	history, err := h.service.DeviceHistory(ctx, "a1", "kb1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "inactive", history[0].Status)
	assert.Equal(t, "active", history[1].Status)
}

func TestService_DelayedOlderStatusStaysInHistoryOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{
		AgentID: "a1", DeviceID: "kb1", Status: "inactive", Timestamp: t0.Add(-10 * time.Second),
	})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{
		AgentID: "a1", DeviceID: "kb1", Status: "active", Timestamp: t0.Add(-70 * time.Second),
	})
	require.NoError(t, err)

	d, ok := h.registry.Device("a1", "kb1")
	require.True(t, ok)
	assert.Equal(t, "inactive", d.Status)

	n, err := h.store.CountDeviceStatuses(ctx, "a1", "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.events.ofType(events.TypeDeviceStatus), 1)
}

func TestService_DispatchCommandInjectsID(t *testing.T) {
	h := newHarness(t)

	rec, err := h.service.DispatchCommand(context.Background(), "agent_x", bus.Command{
		Action: "get_status",
		Args:   map[string]any{"verbose": true},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.CommandID)
	assert.Equal(t, CommandPending, rec.State)

	msgs := h.publisher.On("agents/agent_x/command")
	require.Len(t, msgs, 1)
	var sent bus.Command
	require.NoError(t, msgs[0].Decode(&sent))
	assert.Equal(t, "get_status", sent.Action)
	assert.Equal(t, rec.CommandID, sent.CommandID)
	assert.Equal(t, true, sent.Args["verbose"])

	tracked, err := h.commands.Get(rec.CommandID)
	require.NoError(t, err)
	assert.Equal(t, "agent_x", tracked.AgentID)
}

func TestService_DispatchToOfflineAgentIsAccepted(t *testing.T) {
	h := newHarness(t)

	rec, err := h.service.DispatchCommand(context.Background(), "never_seen", bus.Command{Action: "shutdown"})
	require.NoError(t, err)
	assert.Equal(t, CommandPending, rec.State)
}

func TestService_DispatchValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.DispatchCommand(context.Background(), "", bus.Command{Action: "ping"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.service.DispatchCommand(context.Background(), "a1", bus.Command{})
	assert.ErrorIs(t, err, ErrValidation)

	for _, id := range []string{"x+", "x#", "a/b"} {
		_, err = h.service.DispatchCommand(context.Background(), id, bus.Command{Action: "ping"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, id)
		assert.Equal(t, "agent_id", verr.Field)
	}
	assert.Empty(t, h.publisher.Messages())
}

func TestService_DispatchPublishFailure(t *testing.T) {
	h := newHarness(t)
	h.publisher.FailWith(errors.New("connection lost"))

	_, err := h.service.DispatchCommand(context.Background(), "a1", bus.Command{Action: "ping"})
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrTransport)
	assert.Empty(t, h.commands.Pending(), "failed dispatches are not tracked")
}

func TestService_CommandRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.service.DispatchCommand(ctx, "a1", bus.Command{Action: "get_status"})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)
	got, err := h.service.HandleCommandResponse(ctx, "a1", bus.Response{
		CommandID: rec.CommandID,
		Status:    map[string]any{"status": "active"},
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, CommandCompleted, got.State)
	assert.Equal(t, t0.Add(2*time.Second), got.FinishedAt)

	final, err := h.service.Command(ctx, rec.CommandID, 0)
	require.NoError(t, err)
	assert.Equal(t, "active", final.Result["status"])
	assert.Len(t, h.events.ofType(events.TypeCommandResponse), 1)
}

func TestService_UnmatchedResponseIsAccepted(t *testing.T) {
	h := newHarness(t)

	got, err := h.service.HandleCommandResponse(context.Background(), "a1", bus.Response{CommandID: "stray"})
	assert.NoError(t, err)
	assert.Nil(t, got)

	_, err = h.service.HandleCommandResponse(context.Background(), "", bus.Response{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_CommandUnknown(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Command(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = h.service.Command(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestService_HandlePresence(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.service.HandlePresence(context.Background(), bus.Presence{AgentID: "a1", Online: false}))
	assert.ErrorIs(t, h.service.HandlePresence(context.Background(), bus.Presence{}), ErrValidation)

	evs := h.events.ofType(events.TypePresence)
	require.Len(t, evs, 1)
	assert.Equal(t, "a1", evs[0].AgentID)
	assert.Empty(t, h.service.Agents(), "presence does not create liveness")
}

func TestService_DeviceHistoryPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.store.FailWith(errors.New("io error"))

	_, err := h.service.DeviceHistory(context.Background(), "a1", "kb1", 10)
	assert.ErrorIs(t, err, ErrPersistence)
}

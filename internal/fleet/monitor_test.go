package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/events"
)

func TestMonitor_AgentGoesOfflineAfterTimeout(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.IngestHeartbeat(context.Background(), bus.Heartbeat{AgentID: "agent_x"})
	require.NoError(t, err)

	report := h.monitor.Check(t0.Add(100 * time.Second))
	assert.Equal(t, []string{"agent_x"}, report.Online)
	assert.Empty(t, report.Offline)

	report = h.monitor.Check(t0.Add(300 * time.Second))
	assert.Equal(t, []string{"agent_x"}, report.Online, "exactly at the timeout is still online")

	report = h.monitor.Check(t0.Add(400 * time.Second))
	assert.Equal(t, []string{"agent_x"}, report.Offline)
	assert.Empty(t, report.Online)
}

func TestMonitor_TransitionEventsFireOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.IngestHeartbeat(ctx, bus.Heartbeat{AgentID: "a1"})
	require.NoError(t, err)

	h.monitor.Check(t0.Add(400 * time.Second))
	h.monitor.Check(t0.Add(460 * time.Second))
	assert.Len(t, h.events.ofType(events.TypeAgentOffline), 1)

	h.clock.Set(t0.Add(500 * time.Second))
	_, err = h.service.IngestHeartbeat(ctx, bus.Heartbeat{AgentID: "a1"})
	require.NoError(t, err)

	h.monitor.Check(t0.Add(520 * time.Second))
	h.monitor.Check(t0.Add(580 * time.Second))
	online := h.events.ofType(events.TypeAgentOnline)
	require.Len(t, online, 1)
	assert.Equal(t, "a1", online[0].AgentID)
}

func TestMonitor_DeviceInactive(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.IngestDeviceStatus(context.Background(), bus.DeviceStatus{AgentID: "a1", DeviceID: "kb1", Status: "active"})
	require.NoError(t, err)

	assert.Empty(t, h.monitor.Check(t0.Add(299*time.Second)).InactiveDevices)

	report := h.monitor.Check(t0.Add(301 * time.Second))
	assert.Equal(t, []DeviceKey{{AgentID: "a1", DeviceID: "kb1"}}, report.InactiveDevices)

	d, ok := h.registry.Device("a1", "kb1")
	require.True(t, ok, "the monitor never evicts")
	assert.Equal(t, "active", d.Status)
}

func TestMonitor_DeviceWithSkewedClockStaysActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The first report comes from a clock ten minutes fast; NTP then corrects it.
	_, err := h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{
		AgentID: "a1", DeviceID: "kb1", Status: "inactive", Timestamp: t0.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		h.clock.Advance(time.Minute)
		_, err := h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{
			AgentID: "a1", DeviceID: "kb1", Status: "active", Timestamp: h.clock.Now(),
		})
		require.NoError(t, err)
	}

	now := h.clock.Now()
	assert.Empty(t, h.monitor.Check(now).InactiveDevices)

	d, ok := h.registry.Device("a1", "kb1")
	require.True(t, ok)
	assert.Equal(t, "active", d.Status)
	assert.Equal(t, now, d.LastActivity)
}

func TestMonitor_DeviceWithClockSteppedBackStaysActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{
		AgentID: "a1", DeviceID: "kb1", Status: "active", Timestamp: t0,
	})
	require.NoError(t, err)

	// Reports keep arriving every minute, stamped ten minutes in the past.
	for i := 1; i <= 6; i++ {
		h.clock.Advance(time.Minute)
		_, err := h.service.IngestDeviceStatus(ctx, bus.DeviceStatus{
			AgentID: "a1", DeviceID: "kb1", Status: "active", Timestamp: h.clock.Now().Add(-10 * time.Minute),
		})
		require.NoError(t, err)
	}

	assert.Empty(t, h.monitor.Check(h.clock.Now()).InactiveDevices)

	report := h.monitor.Check(h.clock.Now().Add(301 * time.Second))
	assert.Equal(t, []DeviceKey{{AgentID: "a1", DeviceID: "kb1"}}, report.InactiveDevices)
}

func TestMonitor_ExpiresCommands(t *testing.T) {
	h := newHarness(t)

	rec, err := h.service.DispatchCommand(context.Background(), "a1", bus.Command{Action: "get_status"})
	require.NoError(t, err)

	report := h.monitor.Check(t0.Add(6 * time.Minute))
	assert.Equal(t, []string{rec.CommandID}, report.ExpiredCommands)
	assert.Len(t, h.events.ofType(events.TypeCommandExpired), 1)

	got, err := h.commands.Get(rec.CommandID)
	require.NoError(t, err)
	assert.Equal(t, CommandExpired, got.State)

	h.monitor.Check(t0.Add(2 * time.Hour))
	_, err = h.commands.Get(rec.CommandID)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestMonitor_RunTicksOnClock(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.IngestHeartbeat(context.Background(), bus.Heartbeat{AgentID: "a1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.monitor.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.clock.Tickers() == 1 }, time.Second, time.Millisecond)

	// Keep ticking until a scan lands past the timeout.
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Minute)
		return len(h.events.ofType(events.TypeAgentOffline)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, h.clock.Tickers())
}

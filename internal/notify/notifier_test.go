package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davery92/sara-jarvis/internal/events"
)

type sent struct {
	url, message string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]error
}

func (f *fakeSender) Send(url, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[url]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{url, message})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormat(t *testing.T) {
	last := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	msg, ok := Format(events.Event{Type: events.TypeAgentOffline, AgentID: "agent_x", Data: map[string]any{"last_heartbeat": last}})
	require.True(t, ok)
	assert.Equal(t, "Agent agent_x is offline (last heartbeat 2026-04-01T08:00:00Z)", msg)

	msg, ok = Format(events.Event{Type: events.TypeAgentOnline, AgentID: "agent_x"})
	require.True(t, ok)
	assert.Equal(t, "Agent agent_x is back online", msg)

	_, ok = Format(events.Event{Type: events.TypeHeartbeat})
	assert.False(t, ok)
}

func TestNotifier_SendsToEveryURL(t *testing.T) {
	sender := &fakeSender{}
	n := New([]string{"discord://token@channel", "ntfy://ntfy.sh/fleet"}, sender, quietLogger())
	assert.True(t, n.Enabled())

	require.NoError(t, n.Notify(events.Event{Type: events.TypeAgentOffline, AgentID: "a1"}))
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "Agent a1 is offline", sender.sent[0].message)
}

func TestNotifier_IgnoresOtherEvents(t *testing.T) {
	sender := &fakeSender{}
	n := New([]string{"ntfy://ntfy.sh/fleet"}, sender, quietLogger())

	require.NoError(t, n.Notify(events.Event{Type: events.TypeDeviceStatus}))
	assert.Zero(t, sender.count())
}

func TestNotifier_JoinsFailuresAndRedactsURLs(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"discord://secret@chan": errors.New("rate limited")}}
	n := New([]string{"discord://secret@chan", "ntfy://ntfy.sh/fleet"}, sender, quietLogger())

	err := n.Notify(events.Event{Type: events.TypeAgentOnline, AgentID: "a1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord://***")
	assert.NotContains(t, err.Error(), "secret")
	assert.Equal(t, 1, sender.count(), "other services still receive the message")
}

func TestNotifier_RunConsumesUntilClosed(t *testing.T) {
	sender := &fakeSender{}
	n := New([]string{"ntfy://ntfy.sh/fleet"}, sender, quietLogger())

	ch := make(chan events.Event, 2)
	ch <- events.Event{Type: events.TypeAgentOffline, AgentID: "a1"}
	ch <- events.Event{Type: events.TypeAgentOnline, AgentID: "a1"}
	close(ch)

	done := make(chan struct{})
	go func() {
		n.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel closed")
	}
	assert.Equal(t, 2, sender.count())
}

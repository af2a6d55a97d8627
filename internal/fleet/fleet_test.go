package fleet

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/clock"
	"github.com/Davery92/sara-jarvis/internal/events"
	"github.com/Davery92/sara-jarvis/internal/store"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventLog records published events in order.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(typ events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	store     *store.MockStore
	registry  *Registry
	commands  *CommandTracker
	publisher *bus.Recorder
	events    *eventLog
	clock     *clock.FakeClock
	service   *Service
	monitor   *Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()
	h := &harness{
		store:     store.NewMockStore(),
		registry:  NewRegistry(logger),
		commands:  NewCommandTracker(logger),
		publisher: bus.NewRecorder(),
		events:    &eventLog{},
		clock:     clock.Fake(t0),
	}
	h.service = NewService(ServiceConfig{
		Store:            h.store,
		Registry:         h.registry,
		Commands:         h.commands,
		Publisher:        h.publisher,
		Events:           h.events,
		Clock:            h.clock,
		HeartbeatTimeout: 300 * time.Second,
		Logger:           logger,
	})
	h.monitor = NewMonitor(MonitorConfig{
		Registry:         h.registry,
		Commands:         h.commands,
		Events:           h.events,
		Clock:            h.clock,
		HeartbeatTimeout: 300 * time.Second,
		CheckInterval:    60 * time.Second,
		CommandTimeout:   5 * time.Minute,
		CommandRetention: time.Hour,
		Logger:           logger,
	})
	return h
}

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient(Options{Broker: "tcp://localhost:1883", ClientID: "test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_DispatchRoutesByFilter(t *testing.T) {
	c := newTestClient()

	var got []string
	c.Handle(TopicHeartbeat, func(_ context.Context, topic string, _ []byte) {
		got = append(got, "heartbeat:"+topic)
	})
	c.Handle(FilterCommandResponses, func(_ context.Context, topic string, _ []byte) {
		got = append(got, "response:"+topic)
	})

	ctx := context.Background()
	c.dispatch(ctx, "agents/heartbeat", nil)
	c.dispatch(ctx, "agents/a1/command/response", nil)
	c.dispatch(ctx, "unrelated/topic", nil)

	assert.Equal(t, []string{"heartbeat:agents/heartbeat", "response:agents/a1/command/response"}, got)
}

func TestClient_DispatchRecoversPanics(t *testing.T) {
	c := newTestClient()

	called := false
	c.Handle("#", func(context.Context, string, []byte) { panic("boom") })
	c.Handle("#", func(context.Context, string, []byte) { called = true })

	assert.NotPanics(t, func() { c.dispatch(context.Background(), "device/status", []byte("{}")) })
	assert.True(t, called, "later handlers still run after a panic")
}

func TestClient_DispatchLoopPreservesOrder(t *testing.T) {
	c := newTestClient()

	received := make(chan string, 3)
	c.Handle("#", func(_ context.Context, _ string, payload []byte) {
		received <- string(payload)
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.dispatchLoop(ctx)

	for _, p := range []string{"1", "2", "3"} {
		c.enqueue(ctx, "device/status", []byte(p))
	}
	assert.Equal(t, "1", <-received)
	assert.Equal(t, "2", <-received)
	assert.Equal(t, "3", <-received)

	c.stop()
}

func TestClient_PublishBeforeConnect(t *testing.T) {
	c := newTestClient()

	err := c.Publish(context.Background(), TopicHeartbeat, []byte("{}"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, ErrNotConnected))

	assert.NoError(t, c.Disconnect(context.Background()))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	require.NoError(t, PublishJSON(ctx, r, TopicHeartbeat, Heartbeat{AgentID: "a1"}))
	msgs := r.On(TopicHeartbeat)
	require.Len(t, msgs, 1)

	var hb Heartbeat
	require.NoError(t, msgs[0].Decode(&hb))
	assert.Equal(t, "a1", hb.AgentID)

	r.FailWith(errors.New("broker gone"))
	err := r.Publish(ctx, TopicHeartbeat, nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Len(t, r.Messages(), 1)
}

func TestCredentialsRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad credentials", &autopaho.ConnackError{ReasonCode: 0x86}, true},
		{"not authorized", &autopaho.ConnackError{ReasonCode: 0x87}, true},
		{"server unavailable", &autopaho.ConnackError{ReasonCode: 0x88}, false},
		{"unspecified", &autopaho.ConnackError{ReasonCode: 0x80}, false},
		{"dial failure", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, credentialsRejected(tt.err))
		})
	}
}

func TestClient_ConnectUnreachableBrokerKeepsRetrying(t *testing.T) {
	c := NewClient(Options{
		Broker:         "tcp://127.0.0.1:1",
		ClientID:       "test",
		ConnectTimeout: 200 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, c.Connect(t.Context()))

	err := c.Publish(t.Context(), TopicHeartbeat, []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	require.NoError(t, c.Disconnect(t.Context()))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection manager did not stop")
	}
}

// rejectingBroker accepts MQTT connections and answers every CONNECT with a
// CONNACK carrying reasonCode.
func rejectingBroker(t *testing.T, reasonCode byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 512)
				if _, err := conn.Read(buf); err != nil {
					return
				}
				_, _ = conn.Write([]byte{0x20, 0x03, 0x00, reasonCode, 0x00})
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return "tcp://" + ln.Addr().String()
}

func TestClient_ConnectRejectedCredentialsIsFatal(t *testing.T) {
	c := NewClient(Options{
		Broker:         rejectingBroker(t, 0x86),
		ClientID:       "test",
		Username:       "fleet",
		Password:       "wrong",
		ConnectTimeout: 5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)

	err = c.Publish(t.Context(), TopicHeartbeat, []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected, "a rejected client is left unconnected")
}

// ABOUTME: MQTT client wrapper built on paho.golang's autopaho connection manager
// ABOUTME: Resubscribes on reconnect and delivers messages to handlers one at a time, in order

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// ErrTransport marks connect and publish failures on the bus.
var ErrTransport = errors.New("bus transport error")

// ErrNotConnected is returned when publishing before Connect.
var ErrNotConnected = errors.New("bus client not connected")

// ErrRejected means the broker refused the client's credentials. Retrying
// cannot succeed, so Connect gives up.
var ErrRejected = errors.New("broker rejected credentials")

// MQTT v5 CONNACK reason codes that mean the credentials are wrong.
const (
	reasonBadCredentials = 0x86
	reasonNotAuthorized  = 0x87
)

// inboxSize bounds messages waiting for the dispatch loop. The receive path
// blocks when it is full.
const inboxSize = 1024

// Handler processes one inbound message.
type Handler func(ctx context.Context, topic string, payload []byte)

// Publisher sends a payload to a topic at QoS 1.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Message is a fixed payload published by the client itself, used for the
// last-will and the on-connect announcement.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Options configures a Client.
type Options struct {
	Broker         string
	Username       string
	Password       string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// Will is registered with the broker and published if the client drops.
	Will *Message
	// Birth builds the message published every time the connection comes up.
	Birth func() *Message
}

type inbound struct {
	topic   string
	payload []byte
}

type route struct {
	filter  string
	handler Handler
}

// Client is a reconnecting MQTT client. Register handlers with Handle before
// calling Connect.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	routes []route
	cm     *autopaho.ConnectionManager

	inbox  chan inbound
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client that is not yet connected.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "bus", "client_id", opts.ClientID),
		inbox:  make(chan inbound, inboxSize),
	}
}

// Handle registers h for topics matching filter. The filter is subscribed at
// QoS 1 on every (re)connect.
func (c *Client) Handle(filter string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = append(c.routes, route{filter: filter, handler: h})
}

// Connect starts the connection manager and waits up to ConnectTimeout for the
// first connection. A broker that is unreachable is not an error: Connect
// returns nil and the manager keeps retrying with backoff, while Publish
// fails with ErrTransport until the connection comes up. Only a CONNACK
// rejecting the credentials (ErrRejected) or a cancelled ctx fails Connect.
func (c *Client) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(c.opts.Broker)
	if err != nil {
		return fmt.Errorf("%w: parsing broker url %q: %w", ErrTransport, c.opts.Broker, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	rejected := make(chan error, 1)

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(c.opts.KeepAlive / time.Second),
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                c.opts.ConnectTimeout,
		ConnectUsername:               c.opts.Username,
		OnConnectionUp:                c.onConnectionUp,
		OnConnectError: func(err error) {
			c.logger.Warn("broker connection failed", "broker", c.opts.Broker, "error", err)
			if credentialsRejected(err) {
				select {
				case rejected <- err:
				default:
				}
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.enqueue(runCtx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.logger.Error("bus client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.logger.Warn("broker requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}
	if c.opts.Password != "" {
		cfg.ConnectPassword = []byte(c.opts.Password)
	}
	if c.opts.Will != nil {
		cfg.WillMessage = &paho.WillMessage{
			Topic:   c.opts.Will.Topic,
			Payload: c.opts.Will.Payload,
			QoS:     1,
			Retain:  c.opts.Will.Retain,
		}
	}

	cm, err := autopaho.NewConnection(runCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: starting connection: %w", ErrTransport, err)
	}

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatchLoop(runCtx)

	waitCtx, waitCancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer waitCancel()
	connected := make(chan error, 1)
	go func() { connected <- cm.AwaitConnection(waitCtx) }()

	select {
	case err := <-rejected:
		c.abandon()
		return fmt.Errorf("%w: %s: %w", ErrRejected, c.opts.Broker, err)
	case err := <-connected:
		if err == nil {
			return nil
		}
		select {
		case rerr := <-rejected:
			c.abandon()
			return fmt.Errorf("%w: %s: %w", ErrRejected, c.opts.Broker, rerr)
		default:
		}
		if ctx.Err() != nil {
			c.abandon()
			return fmt.Errorf("%w: connecting to %s: %w", ErrTransport, c.opts.Broker, ctx.Err())
		}
		c.logger.Warn("broker not reachable yet, retrying in background",
			"broker", c.opts.Broker,
			"waited", c.opts.ConnectTimeout,
		)
		return nil
	}
}

// abandon stops the connection manager after a failed Connect, leaving the
// client as if Connect had never been called.
func (c *Client) abandon() {
	c.stop()
	c.mu.Lock()
	c.cm = nil
	c.mu.Unlock()
}

// credentialsRejected reports whether err is a CONNACK refusing the
// client's username, password, or authorisation.
func credentialsRejected(err error) bool {
	var connackErr *autopaho.ConnackError
	if !errors.As(err, &connackErr) {
		return false
	}
	switch connackErr.ReasonCode {
	case reasonBadCredentials, reasonNotAuthorized:
		return true
	}
	return false
}

func (c *Client) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.logger.Info("connected to broker", "broker", c.opts.Broker)

	c.mu.RLock()
	subs := make([]paho.SubscribeOptions, 0, len(c.routes))
	for _, r := range c.routes {
		subs = append(subs, paho.SubscribeOptions{Topic: r.filter, QoS: 1})
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	if len(subs) > 0 {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
			c.logger.Error("subscribe failed", "error", err)
		} else {
			for _, s := range subs {
				c.logger.Debug("subscribed", "topic", s.Topic)
			}
		}
	}

	if c.opts.Birth == nil {
		return
	}
	if b := c.opts.Birth(); b != nil {
		if _, err := cm.Publish(ctx, &paho.Publish{QoS: 1, Topic: b.Topic, Payload: b.Payload, Retain: b.Retain}); err != nil {
			c.logger.Warn("announcement publish failed", "topic", b.Topic, "error", err)
		}
	}
}

// Publish sends payload to topic at QoS 1 and waits for the broker's ack.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	cm := c.cm
	c.mu.RUnlock()
	if cm == nil {
		return fmt.Errorf("%w: %w", ErrTransport, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	if _, err := cm.Publish(ctx, &paho.Publish{QoS: 1, Topic: topic, Payload: payload}); err != nil {
		return fmt.Errorf("%w: publishing to %s: %w", ErrTransport, topic, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(ctx context.Context, topic string, v any) error {
	return PublishJSON(ctx, c, topic, v)
}

// PublishJSON marshals v and publishes it through any Publisher.
func PublishJSON(ctx context.Context, p Publisher, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", topic, err)
	}
	return p.Publish(ctx, topic, payload)
}

// Disconnect sends a clean DISCONNECT, so the broker discards the last-will,
// and stops the dispatch loop.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.RLock()
	cm := c.cm
	c.mu.RUnlock()
	if cm == nil {
		return nil
	}

	err := cm.Disconnect(ctx)
	c.stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: disconnecting: %w", ErrTransport, err)
	}
	return nil
}

// Done is closed once the connection manager has shut down.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cm == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.cm.Done()
}

func (c *Client) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Client) enqueue(ctx context.Context, topic string, payload []byte) {
	select {
	case c.inbox <- inbound{topic: topic, payload: payload}:
	case <-ctx.Done():
	}
}

func (c *Client) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			c.dispatch(ctx, msg.topic, msg.payload)
		}
	}
}

// dispatch runs every handler whose filter matches topic. A panicking handler
// is logged and does not affect the others.
func (c *Client) dispatch(ctx context.Context, topic string, payload []byte) {
	c.mu.RLock()
	routes := c.routes
	c.mu.RUnlock()

	matched := false
	for _, r := range routes {
		if !MatchTopic(r.filter, topic) {
			continue
		}
		matched = true
		c.invoke(ctx, r.handler, topic, payload)
	}
	if !matched {
		c.logger.Debug("no handler for topic", "topic", topic)
	}
}

func (c *Client) invoke(ctx context.Context, h Handler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(ctx, topic, payload)
}

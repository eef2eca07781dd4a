package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/cellcore/internal/infrastructure/config"
)

// Client is the cell's connection to the message bus. PLC state, PLC
// commands, vision detections and core events all travel through it.
//
// Subscriptions survive reconnects. The retained status topic says whether
// the core is online; the broker publishes the offline status itself when
// the connection drops without a Close.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	connected atomic.Bool

	delivered   atomic.Uint64
	handlerErrs atomic.Uint64
	sessions    atomic.Uint64

	mu            sync.RWMutex
	subscriptions map[string]subscription
	onConnect     func()
	onDisconnect  func(err error)
	logger        Logger
}

// Logger is satisfied by logging.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. Handlers run on paho goroutines and
// must not block. A returned error is logged and counted.
type MessageHandler func(topic string, payload []byte) error

// Stats are message counters since Connect.
type Stats struct {
	Delivered     uint64
	HandlerErrors uint64
	Reconnects    uint64
}

func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:           cfg,
		topics:        Topics{Root: cfg.TopicRoot},
		subscriptions: make(map[string]subscription),
	}
	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect dials the broker and waits for the first session. Later drops are
// retried in the background with the configured backoff.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler may not have run yet.
	c.connected.Store(true)
	return c, nil
}

// Topics returns the topic builder for the configured root.
func (c *Client) Topics() Topics {
	return c.topics
}

// Stats returns the message counters.
func (c *Client) Stats() Stats {
	return Stats{
		Delivered:     c.delivered.Load(),
		HandlerErrors: c.handlerErrs.Load(),
		Reconnects:    reconnects(c.sessions.Load()),
	}
}

// reconnects counts sessions after the first.
func reconnects(sessions uint64) uint64 {
	if sessions == 0 {
		return 0
	}
	return sessions - 1
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.sessions.Add(1)

	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	callback := c.onConnect
	c.mu.RUnlock()

	for topic, sub := range subs {
		c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.publishStatus(statusOnline, "")

	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	callback, logger := c.onDisconnect, c.logger
	c.mu.RUnlock()

	if logger != nil {
		logger.Warn("lost connection to broker", "error", err)
	}
	if callback != nil {
		callback(err)
	}
}

func (c *Client) publishStatus(state, reason string) pahomqtt.Token {
	return c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true,
		statusPayload(c.cfg.Broker.ClientID, state, reason))
}

// Close announces a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishStatus(statusOffline, reasonShutdown).WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck fails while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect sets a callback run after every (re)connect, once
// subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger for connection loss and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho. It counts deliveries and
// handler failures and keeps a panicking handler from killing the paho
// router.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.delivered.Add(1)
		defer func() {
			if r := recover(); r != nil {
				c.handlerErrs.Add(1)
				if logger := c.getLogger(); logger != nil {
					logger.Error("message handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.handlerErrs.Add(1)
			if logger := c.getLogger(); logger != nil {
				logger.Warn("message handler failed", "topic", msg.Topic(), "error", err)
			}
		}
	}
}

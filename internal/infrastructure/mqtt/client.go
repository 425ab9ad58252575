package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
)

// Logger is the logging surface used by the client.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// They should not block for extended periods.
//
// Parameters:
//   - topic: The topic the message was received on (wildcards expanded)
//   - payload: The raw message payload
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a paho client bound to the bridge's topic tree.
//
// Subscriptions are remembered and restored after every reconnect, and the
// bridge's online/offline status is kept retained on Topics.SystemStatus.
// All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	connected atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	logMu  sync.RWMutex
	logger Logger
}

// Connect establishes a connection to the MQTT broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Configures a retained offline will on the system status topic
//  3. Sets up auto-reconnect with the configured backoff
//  4. Attempts the initial connection with a timeout
//
// The online status is published by the connect handler, which also
// restores subscriptions after every reconnect.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If the initial connection fails within the timeout
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	opts := clientOptions(cfg)
	setWill(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onConnectionLost(err) })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously; don't report disconnected meanwhile.
	c.connected.Store(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig) *Client {
	return &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.TopicPrefix},
		subscriptions: make(map[string]subscription),
		logger:        noopLogger{},
	}
}

// Topics returns the topic builder for this client's prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logMu.Lock()
	c.logger = logger
	c.logMu.Unlock()
}

func (c *Client) log() Logger {
	c.logMu.RLock()
	defer c.logMu.RUnlock()
	return c.logger
}

func (c *Client) onConnect() {
	c.connected.Store(true)

	c.subMu.RLock()
	for topic, sub := range c.subscriptions {
		c.client.Subscribe(topic, sub.qos, c.wrap(sub.handler))
	}
	restored := len(c.subscriptions)
	c.subMu.RUnlock()

	payload := statusPayload("online", c.cfg.Broker.ClientID, "", time.Now())
	c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, payload)

	c.log().Info("mqtt connected", "subscriptions", restored)
}

func (c *Client) onConnectionLost(err error) {
	c.connected.Store(false)
	c.log().Warn("mqtt connection lost", "error", err)
}

// Close disconnects from the broker.
//
// It performs:
//  1. Publishes a graceful offline status (distinct from the will)
//  2. Waits briefly for that publish
//  3. Disconnects with a quiesce period for pending operations
//
// Returns:
//   - error: Always nil; an already closed client is not an error
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		payload := statusPayload("offline", c.cfg.Broker.ClientID, "graceful_shutdown", time.Now())
		token := c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, payload)
		token.WaitTimeout(operationTimeout)
	}

	c.client.Disconnect(disconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports whether the broker connection is up.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// wrap adapts a MessageHandler to paho, recovering panics and logging errors.
func (c *Client) wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.dispatch(handler, msg.Topic(), msg.Payload())
	}
}

func (c *Client) dispatch(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Error("mqtt handler panicked", "topic", topic, "panic", r)
		}
	}()
	if err := handler(topic, payload); err != nil {
		c.log().Warn("mqtt handler failed", "topic", topic, "error", err)
	}
}

package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nerrad567/runnable-bridge/internal/accessory"
	"github.com/nerrad567/runnable-bridge/internal/communicator"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/mqtt"
)

// ErrTopicCollision is returned by Start when two names escape to the same
// topic segment.
var ErrTopicCollision = errors.New("names share a topic segment")

// commandTimeout bounds one set command, including the wait for the
// accessory's lock.
const commandTimeout = 30 * time.Second

// MQTTClient is the part of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Platform is the part of *accessory.Platform the bridge uses.
type Platform interface {
	Accessories() []accessory.Accessory
	SetCharacteristic(ctx context.Context, name, characteristic string, value any) error
	Observe(fn accessory.StateObserver)
}

// MessageSource delivers raw runnable messages.
type MessageSource interface {
	Subscribe(fn communicator.Listener) (unsubscribe func())
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds the dependencies of a Bridge.
type Options struct {
	MQTT     MQTTClient
	Platform Platform
	Topics   mqtt.Topics
	QoS      byte

	// Messages, when set, has every raw runnable message mirrored to
	// Topics.Message.
	Messages MessageSource
}

// Stats counts bridge traffic.
type Stats struct {
	StatesPublished  uint64 `json:"states_published"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
}

// Bridge translates between the accessory platform and MQTT.
// All methods are safe for concurrent use.
type Bridge struct {
	mqtt     MQTTClient
	platform Platform
	topics   mqtt.Topics
	qos      byte
	messages MessageSource
	logger   Logger

	// names maps escaped topic segments back to accessory and
	// characteristic names.
	names map[string]target

	running     atomic.Bool
	unsubscribe func()

	// cmdMu orders command admission against Stop, so no command is added
	// to wg once Stop has started waiting.
	cmdMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	published, received, failed atomic.Uint64
}

type target struct {
	name            string
	characteristics map[string]string
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, errors.New("mqtt client is required")
	}
	if opts.Platform == nil {
		return nil, errors.New("platform is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		mqtt:     opts.MQTT,
		platform: opts.Platform,
		topics:   opts.Topics,
		qos:      opts.QoS,
		messages: opts.Messages,
		logger:   noopLogger{},
		names:    make(map[string]target),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.logger = logger
}

// Start publishes every known value, subscribes to set topics and starts
// forwarding changes.
func (b *Bridge) Start() error {
	accessories := b.platform.Accessories()
	names := make(map[string]target, len(accessories))
	for _, acc := range accessories {
		seg := mqtt.Segment(acc.Name)
		if prev, ok := names[seg]; ok {
			return fmt.Errorf("%w: accessories %q and %q both map to %q", ErrTopicCollision, prev.name, acc.Name, seg)
		}

		t := target{name: acc.Name, characteristics: make(map[string]string, len(acc.Characteristics))}
		for _, c := range acc.Characteristics {
			cseg := mqtt.Segment(c)
			if prev, ok := t.characteristics[cseg]; ok {
				return fmt.Errorf("%w: characteristics %q and %q of %q both map to %q",
					ErrTopicCollision, prev, c, acc.Name, cseg)
			}
			t.characteristics[cseg] = c
		}
		names[seg] = t
	}
	b.names = names

	b.running.Store(true)
	b.platform.Observe(b.handleChange)

	for _, acc := range accessories {
		for c, v := range acc.Values {
			b.publishState(acc.Name, c, v)
		}
	}

	if err := b.mqtt.Subscribe(b.topics.AllSets(), b.qos, b.handleSet); err != nil {
		b.running.Store(false)
		return fmt.Errorf("subscribe to set topics: %w", err)
	}

	if b.messages != nil {
		b.unsubscribe = b.messages.Subscribe(b.forwardMessage)
	}

	b.logger.Info("mqtt bridge started", "accessories", len(accessories), "topic", b.topics.AllSets())
	return nil
}

// Stop unsubscribes and waits for in-flight commands.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cmdMu.Lock()
		b.running.Store(false)
		b.cmdMu.Unlock()
		b.cancel()

		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		if err := b.mqtt.Unsubscribe(b.topics.AllSets()); err != nil {
			b.logger.Debug("unsubscribe from set topics failed", "error", err)
		}

		b.wg.Wait()
		b.logger.Info("mqtt bridge stopped")
	})
}

// Stats returns the bridge's traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		StatesPublished:  b.published.Load(),
		CommandsReceived: b.received.Load(),
		CommandsFailed:   b.failed.Load(),
	}
}

func (b *Bridge) handleChange(change accessory.Change) {
	if !b.running.Load() {
		return
	}
	b.publishState(change.Name, change.Characteristic, change.Value)
}

func (b *Bridge) publishState(name, characteristic string, value json.RawMessage) {
	topic := b.topics.State(name, characteristic)
	if err := b.mqtt.PublishRetained(topic, value); err != nil {
		b.logger.Warn("publishing state failed", "topic", topic, "error", err)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) forwardMessage(msg json.RawMessage) {
	if !b.running.Load() {
		return
	}
	if err := b.mqtt.Publish(b.topics.Message(), msg, b.qos, false); err != nil {
		b.logger.Debug("mirroring runnable message failed", "error", err)
	}
}

// handleSet turns a set topic publication into a SET command. Commands
// run in their own goroutine since they wait on the accessory's lock.
func (b *Bridge) handleSet(topic string, payload []byte) error {
	nameSeg, charSeg, ok := b.topics.ParseSet(topic)
	if !ok {
		return fmt.Errorf("malformed set topic %q", topic)
	}
	t, ok := b.names[nameSeg]
	if !ok {
		return fmt.Errorf("%w: %q", accessory.ErrAccessoryNotFound, nameSeg)
	}
	characteristic, ok := t.characteristics[charSeg]
	if !ok {
		return fmt.Errorf("%w: %q on %q", accessory.ErrUnknownCharacteristic, charSeg, t.name)
	}

	value := decodeValue(payload)

	b.cmdMu.Lock()
	if !b.running.Load() {
		b.cmdMu.Unlock()
		b.logger.Debug("ignoring set command after stop", "topic", topic)
		return nil
	}
	b.received.Add(1)
	b.wg.Add(1)
	b.cmdMu.Unlock()

	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()

		if err := b.platform.SetCharacteristic(ctx, t.name, characteristic, value); err != nil {
			b.failed.Add(1)
			b.logger.Warn("set command failed",
				"name", t.name,
				"characteristic", characteristic,
				"error", err,
			)
			return
		}
		b.logger.Debug("set command sent", "name", t.name, "characteristic", characteristic)
	}()
	return nil
}

// decodeValue accepts any JSON value. Anything else is taken as a string.
func decodeValue(payload []byte) json.RawMessage {
	if gjson.ValidBytes(payload) {
		return json.RawMessage(gjson.ParseBytes(payload).Raw)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

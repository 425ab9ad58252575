package mqtt

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "runnablebridge-test",
		},
		QoS:         1,
		TopicPrefix: "runnable-test",
		Reconnect:   config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 5},
	}
}

func TestClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "secret"}

	opts := clientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://localhost:1883" {
		t.Errorf("Servers = %v, want [ssl://localhost:1883]", opts.Servers)
	}
	if opts.ClientID != "runnablebridge-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig = nil with TLS enabled")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false")
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
}

func TestSetWill(t *testing.T) {
	opts := clientOptions(testConfig())
	setWill(opts, Topics{Prefix: "runnable-test"}, "runnablebridge-test")

	if !opts.WillEnabled || !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will enabled=%v retained=%v qos=%d", opts.WillEnabled, opts.WillRetained, opts.WillQos)
	}
	if opts.WillTopic != "runnable-test/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if got := gjson.GetBytes(opts.WillPayload, "reason").String(); got != "unexpected_disconnect" {
		t.Errorf("will reason = %q", got)
	}
}

func TestStatusPayload(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	online := statusPayload("online", "rb", "", at)
	if !gjson.ValidBytes(online) {
		t.Fatalf("payload %s is not valid JSON", online)
	}
	if gjson.GetBytes(online, "reason").Exists() {
		t.Error("online payload has a reason")
	}
	if got := gjson.GetBytes(online, "timestamp").String(); got != "2026-10-01T12:00:00Z" {
		t.Errorf("timestamp = %q", got)
	}

	offline := statusPayload("offline", "rb", "graceful_shutdown", at)
	if got := gjson.GetBytes(offline, "status").String(); got != "offline" {
		t.Errorf("status = %q", got)
	}
}

func TestCheckPublish(t *testing.T) {
	if err := checkPublish("", nil, 0); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: %v", err)
	}
	if err := checkPublish("t", nil, 3); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3: %v", err)
	}
	big := []byte(strings.Repeat("x", maxPayloadSize+1))
	if err := checkPublish("t", big, 1); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversized: %v", err)
	}
	if err := checkPublish("t", []byte("{}"), 2); err != nil {
		t.Errorf("valid publish: %v", err)
	}
}

func TestClient_DisconnectedOperations(t *testing.T) {
	c := newClient(testConfig())

	if c.IsConnected() {
		t.Fatal("IsConnected() = true before Connect")
	}
	if err := c.Publish("t", []byte("{}"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	noop := func(string, []byte) error { return nil }
	if err := c.Subscribe("t", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("t", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil) error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d", c.SubscriptionCount())
	}
}

type capturingLogger struct {
	noopLogger
	errors, warns int
}

func (l *capturingLogger) Error(string, ...any) { l.errors++ }
func (l *capturingLogger) Warn(string, ...any)  { l.warns++ }

func TestClient_DispatchRecoversAndLogs(t *testing.T) {
	c := newClient(testConfig())
	log := &capturingLogger{}
	c.SetLogger(log)

	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad") }, "t", nil)

	if log.errors != 1 || log.warns != 1 {
		t.Errorf("errors=%d warns=%d, want 1 and 1", log.errors, log.warns)
	}
}

// brokerAvailable skips the test when nothing listens on the configured broker.
func brokerAvailable(t *testing.T, cfg config.MQTTConfig) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(cfg.Broker.Host, strconv.Itoa(cfg.Broker.Port)), 200*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available:", err)
	}
	conn.Close()
}

func TestClient_RoundTrip(t *testing.T) {
	cfg := testConfig()
	brokerAvailable(t, cfg)

	c, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	received := make(chan string, 1)
	topics := c.Topics()
	err = c.Subscribe(topics.AllSets(), 1, func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := c.Publish(topics.Set("Fan", "On"), []byte("true"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if want := "runnable-test/set/Fan/On=true"; got != want {
			t.Errorf("received %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if err := c.Unsubscribe(topics.AllSets()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

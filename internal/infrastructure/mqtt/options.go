package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tidwall/sjson"

	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
)

const (
	connectTimeout    = 10 * time.Second
	operationTimeout  = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxQoS            = 2
)

// clientOptions translates the MQTT section of the configuration into paho
// options. Reconnection is left to paho with the configured backoff bounds.
func clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// statusPayload renders a retained bridge status document.
// reason is omitted when empty.
func statusPayload(status, clientID, reason string, at time.Time) []byte {
	doc := []byte(`{}`)
	doc, _ = sjson.SetBytes(doc, "status", status)
	doc, _ = sjson.SetBytes(doc, "client_id", clientID)
	if reason != "" {
		doc, _ = sjson.SetBytes(doc, "reason", reason)
	}
	doc, _ = sjson.SetBytes(doc, "timestamp", at.UTC().Format(time.RFC3339))
	return doc
}

// setWill registers the offline status the broker publishes if we vanish.
func setWill(opts *pahomqtt.ClientOptions, topics Topics, clientID string) {
	payload := statusPayload("offline", clientID, "unexpected_disconnect", time.Now())
	opts.SetBinaryWill(topics.SystemStatus(), payload, 1, true)
}

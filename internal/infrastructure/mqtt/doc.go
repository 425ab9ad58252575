// Package mqtt connects the runnable bridge to an MQTT broker.
//
// The client wraps paho.mqtt.golang with:
//   - auto-reconnect with the configured backoff bounds
//   - subscriptions restored after every reconnect
//   - a retained online/offline status with a Last Will
//   - panic recovery around message handlers
//
// Topic layout is described on Topics.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllSets(), 1, func(topic string, payload []byte) error {
//	    name, characteristic, _ := topics.ParseSet(topic)
//	    ...
//	})
package mqtt

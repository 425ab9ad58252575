// Package mqttbridge exposes the accessory platform on MQTT.
//
// Every characteristic change is published retained to its state topic,
// and values published to a set topic become SET commands for the
// runnable. Raw runnable messages can also be mirrored to the message
// topic for debugging. Topic layout is defined by mqtt.Topics.
package mqttbridge

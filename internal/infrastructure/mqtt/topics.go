package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "runnable"

// Topics builds the bridge's MQTT topics under a common prefix:
//
//	{prefix}/state/{accessory}/{characteristic}   retained current value
//	{prefix}/set/{accessory}/{characteristic}     requested value
//	{prefix}/message                              raw runnable output
//	{prefix}/system/status                        online/offline (LWT)
//
// Accessory and characteristic names are escaped with Segment.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// State returns the retained state topic of one characteristic.
//
// Example: runnable/state/Living Fan/RotationSpeed
func (t Topics) State(accessory, characteristic string) string {
	return fmt.Sprintf("%s/state/%s/%s", t.prefix(), Segment(accessory), Segment(characteristic))
}

// Set returns the command topic of one characteristic.
//
// Example: runnable/set/Living Fan/On
func (t Topics) Set(accessory, characteristic string) string {
	return fmt.Sprintf("%s/set/%s/%s", t.prefix(), Segment(accessory), Segment(characteristic))
}

// AllSets matches every command topic.
func (t Topics) AllSets() string {
	return t.prefix() + "/set/+/+"
}

// Message returns the topic carrying every raw runnable message.
func (t Topics) Message() string {
	return t.prefix() + "/message"
}

// SystemStatus returns the bridge's online/offline topic.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// ParseSet splits a command topic into its escaped accessory and
// characteristic segments.
func (t Topics) ParseSet(topic string) (accessory, characteristic string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/set/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// segmentReplacer escapes characters that are structural in MQTT topics.
var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Segment makes name safe to use as a single topic level.
func Segment(name string) string {
	return segmentReplacer.Replace(name)
}

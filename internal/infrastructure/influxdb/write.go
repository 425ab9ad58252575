package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/tidwall/gjson"
)

// characteristicMeasurement holds one point per characteristic change.
const characteristicMeasurement = "characteristic"

// WriteCharacteristic records a characteristic value.
//
// The write is non-blocking; points are batched and sent asynchronously.
//
// Parameters:
//   - name: Accessory name, stored as the "accessory" tag
//   - characteristic: Characteristic name tag
//   - value: The JSON value; its type selects the field key
//   - source: Origin of the change (device, command, cache)
//   - at: Timestamp of the change
//
// Example:
//
//	client.WriteCharacteristic("Living Fan", "On", json.RawMessage("true"), "device", time.Now())
func (c *Client) WriteCharacteristic(name, characteristic string, value json.RawMessage, source string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(characteristicPoint(name, characteristic, value, source, at))
}

// WriteRunnableStatus records a supervisor state transition.
func (c *Client) WriteRunnableStatus(status string, retries, restarts int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint("runnable",
		map[string]string{"status": status},
		map[string]any{"retries": retries, "restarts": restarts},
		time.Now(),
	))
}

// characteristicPoint types the JSON value into a field. Each JSON type has
// its own field key so a characteristic that changes type never conflicts
// with the field's existing type.
func characteristicPoint(name, characteristic string, value json.RawMessage, source string, at time.Time) *write.Point {
	tags := map[string]string{
		"accessory":      name,
		"characteristic": characteristic,
		"source":         source,
	}

	fields := make(map[string]any, 1)
	v := gjson.ParseBytes(value)
	switch v.Type {
	case gjson.Number:
		fields["number"] = v.Float()
	case gjson.True, gjson.False:
		fields["bool"] = v.Bool()
	case gjson.String:
		fields["string"] = v.Str
	case gjson.Null:
		fields["null"] = true
	default:
		fields["json"] = v.Raw
	}

	return write.NewPoint(characteristicMeasurement, tags, fields, at)
}

package accessory

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Change sources.
const (
	// SourceDevice marks values reported by the runnable.
	SourceDevice = "device"

	// SourceCommand marks values set through SetCharacteristic.
	SourceCommand = "command"

	// SourceCache marks values restored from the cache at startup.
	SourceCache = "cache"
)

// namespace scopes accessory IDs so they never collide with other
// name-based UUIDs.
var namespace = uuid.MustParse("6f1d0b52-3c4e-5a7b-9c2d-8e4f1a6b3c90")

// ID returns the stable identifier for an accessory name.
func ID(name string) string {
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// Definition describes a configured accessory.
type Definition struct {
	Name            string
	Service         string
	Characteristics []string
}

// Accessory is a snapshot of one accessory and its last known values.
type Accessory struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	Service         string                     `json:"service"`
	Characteristics []string                   `json:"characteristics"`
	Values          map[string]json.RawMessage `json:"values"`
	UpdatedAt       time.Time                  `json:"updated_at,omitzero"`
}

// HasCharacteristic reports whether the accessory was configured with c.
func (a *Accessory) HasCharacteristic(c string) bool {
	return slices.Contains(a.Characteristics, c)
}

// DeepCopy returns a copy that shares no mutable state with a.
func (a *Accessory) DeepCopy() *Accessory {
	cp := *a
	cp.Characteristics = slices.Clone(a.Characteristics)
	cp.Values = make(map[string]json.RawMessage, len(a.Values))
	for k, v := range a.Values {
		cp.Values[k] = slices.Clone(v)
	}
	return &cp
}

// Status maps every configured characteristic to its current value, using
// JSON null for characteristics that have never been reported.
func (a *Accessory) Status() map[string]json.RawMessage {
	status := make(map[string]json.RawMessage, len(a.Characteristics))
	for _, c := range a.Characteristics {
		if v, ok := a.Values[c]; ok {
			status[c] = v
		} else {
			status[c] = json.RawMessage("null")
		}
	}
	return status
}

// Command is the message sent to the runnable to change a characteristic.
type Command struct {
	Method         string                     `json:"method"`
	Name           string                     `json:"name"`
	Characteristic string                     `json:"characteristic"`
	Value          json.RawMessage            `json:"value"`
	Status         map[string]json.RawMessage `json:"status"`
}

// MethodSet is the only command method the runnable understands.
const MethodSet = "SET"

// Change describes one characteristic value change.
type Change struct {
	AccessoryID    string          `json:"accessory_id"`
	Name           string          `json:"name"`
	Characteristic string          `json:"characteristic"`
	Value          json.RawMessage `json:"value"`
	Source         string          `json:"source"`
	Timestamp      time.Time       `json:"timestamp"`
}

// StateObserver is notified after every value change.
type StateObserver func(Change)

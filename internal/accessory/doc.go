// Package accessory models the devices driven by the runnable.
//
// Each accessory has a name, a service type and a list of characteristic
// names, as configured. The Platform keeps the last known value of every
// characteristic and bridges two directions:
//
//   - Inbound: a runnable message {"name", "characteristic", "value"} whose
//     name matches an accessory updates that characteristic.
//   - Outbound: SetCharacteristic sends
//     {"method":"SET","name","characteristic","value","status"} where status
//     holds every characteristic's value before the change.
//
// Commands to one accessory are serialised by a lock.Mutex and separated by
// the communicator's interval. Different accessories do not wait on each
// other.
//
// Values are kept as raw JSON and never interpreted, so any type the
// runnable understands can pass through.
//
// Accessory IDs are name-based UUIDs (SHA-1), so a renamed accessory is a
// new accessory. The optional Cache restores values after a restart and
// forgets accessories that were removed from the configuration.
package accessory

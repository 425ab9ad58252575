package influxdb

import "errors"

// Sentinel errors for the history writer.
var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: history disabled")

	// ErrConnectionFailed is returned when the server does not answer a ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by operations on a closed or nil client.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps asynchronous point write failures passed to the
	// error callback.
	ErrWriteFailed = errors.New("influxdb: write failed")
)

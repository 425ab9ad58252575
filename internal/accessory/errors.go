package accessory

import "errors"

// Domain errors for the accessory package.
var (
	// ErrAccessoryNotFound is returned when no configured accessory has the name.
	ErrAccessoryNotFound = errors.New("accessory: not found")

	// ErrUnknownCharacteristic is returned for a characteristic the accessory
	// was not configured with.
	ErrUnknownCharacteristic = errors.New("accessory: unknown characteristic")

	// ErrInvalidValue is returned when a value cannot be encoded as JSON.
	ErrInvalidValue = errors.New("accessory: invalid value")

	// ErrDuplicateAccessory is returned when two definitions share a name.
	ErrDuplicateAccessory = errors.New("accessory: duplicate name")
)

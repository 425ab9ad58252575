package accessory

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a cached accessory row.
type Record struct {
	ID        string
	Name      string
	Service   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cache persists accessory records and their last known values across
// restarts. Implementations must be safe for concurrent use.
type Cache interface {
	// List returns every cached accessory ordered by name.
	List(ctx context.Context) ([]Record, error)

	// Upsert inserts or updates the record with rec.ID.
	Upsert(ctx context.Context, rec Record) error

	// Delete removes a record and its values. Deleting an unknown ID
	// returns ErrAccessoryNotFound.
	Delete(ctx context.Context, id string) error

	// SaveValue stores the latest value of one characteristic.
	SaveValue(ctx context.Context, id, characteristic string, value json.RawMessage, source string) error

	// Values returns the stored values of an accessory.
	Values(ctx context.Context, id string) (map[string]json.RawMessage, error)
}

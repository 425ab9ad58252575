package accessory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteCache implements Cache using the bridge database.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache creates a cache on an open, migrated SQLite connection.
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

// List returns every cached accessory ordered by name.
func (c *SQLiteCache) List(ctx context.Context) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, service, created_at, updated_at
		FROM accessories
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying accessories: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec                  Record
			createdAt, updatedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Service, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning accessory: %w", err)
		}
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating accessories: %w", err)
	}
	return records, nil
}

// Upsert inserts or updates an accessory record.
func (c *SQLiteCache) Upsert(ctx context.Context, rec Record) error {
	now := formatTime(time.Now())
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO accessories (id, name, service, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			service = excluded.service,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.Service, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting accessory %s: %w", rec.Name, err)
	}
	return nil
}

// Delete removes an accessory; its values go with it via ON DELETE CASCADE.
func (c *SQLiteCache) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM accessories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting accessory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrAccessoryNotFound
	}
	return nil
}

// SaveValue stores the latest value of one characteristic.
func (c *SQLiteCache) SaveValue(ctx context.Context, id, characteristic string, value json.RawMessage, source string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO characteristic_values (accessory_id, characteristic, value, source, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(accessory_id, characteristic) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		id, characteristic, string(value), source, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving %s value: %w", characteristic, err)
	}
	return nil
}

// Values returns the stored values of an accessory.
func (c *SQLiteCache) Values(ctx context.Context, id string) (map[string]json.RawMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT characteristic, value
		FROM characteristic_values
		WHERE accessory_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning value: %w", err)
		}
		values[name] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating values: %w", err)
	}
	return values, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

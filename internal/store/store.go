// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"
)

// Repository persists small per-device values: preferences and the saved
// transcript. Each key is readable and writable on its own.
type Repository interface {
	// GetValue returns the value stored under key for owner.
	// found is false when nothing is stored.
	GetValue(ctx context.Context, ownerID, key string) (value string, found bool, err error)

	// PutValue creates or replaces the value stored under key for owner.
	PutValue(ctx context.Context, ownerID, key, value string) error

	// DeleteValue removes a single key for owner. Missing keys are not an error.
	DeleteValue(ctx context.Context, ownerID, key string) error

	// TouchDevice records that a device was seen, creating it if needed.
	TouchDevice(ctx context.Context, ownerID string, seen time.Time) error

	// DeleteStaleDevices removes devices not seen within retention, with their values.
	DeleteStaleDevices(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

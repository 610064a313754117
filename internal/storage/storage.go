package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Persistent client storage
// Plays the role browser local storage plays for the web dashboard
type Storage interface {
	// Get single value
	// If key is absent must return ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Get several values at once. Absent keys are absent in result map
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)

	// Write all values in one step: either all become visible or none
	SetMany(ctx context.Context, values map[string]string) error

	// Delete keys. Deleting absent key is not an error
	Delete(ctx context.Context, keys ...string) error
}

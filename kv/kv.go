package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no value exists for the key,
// or when a stored value has already expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the key-value contract consumed by all durable state in this
// module: registered clients, authorization codes, access and refresh
// tokens, authorization flow state, and third-party credentials.
//
// Individual operations are atomic; compound operations (such as refresh
// token rotation) are intentionally composed of separate calls and rely
// on single-key atomicity only.
type Store interface {
	// Get retrieves the value for key. Returns ErrNotFound if the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl of zero means the value does
	// not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the value for key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

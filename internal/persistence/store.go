package persistence

import (
	"context"
	"errors"
	"time"
)

// NoVersion is the expected version for a record that must not exist yet.
const NoVersion int64 = -1

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
)

// Record is a versioned value stored under a key.
type Record struct {
	Key       string
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

// Port is the key/record store the state manager is built on.
//
// Versions start at 0 for a freshly created record and grow by one with
// every successful conditional write.
type Port interface {
	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// PutIfVersion writes data under key only if the stored version equals
	// expected (NoVersion: the key must be absent). It reports whether the
	// write happened; a version mismatch is (false, nil), not an error.
	PutIfVersion(ctx context.Context, key string, data []byte, expected int64) (bool, error)

	// Append adds an entry to the append-only log logKey.
	Append(ctx context.Context, logKey string, entry []byte) error

	// Entries returns the entries of logKey in append order.
	Entries(ctx context.Context, logKey string) ([][]byte, error)
}

// Scanner is implemented by ports that can enumerate records by key prefix.
type Scanner interface {
	Scan(ctx context.Context, prefix string) ([]Record, error)
}

// Deleter is implemented by ports that support administrative deletion.
// Delete removes both the record and the log stored under key; it is
// idempotent.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

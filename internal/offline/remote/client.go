// Package remote is the client side of the hosted inventory backend.
//
// Mutations are expressed against three tables (products, inventory_history,
// requests) addressed by row id. Two implementations exist: PostgREST talks
// to the hosted REST API and Local applies the same operations to SQLite
// tables for development and tests.
package remote

import (
	"context"
	"errors"
)

// Errors returned by Client implementations. Callers check them with
// errors.Is:
//
//	if errors.Is(err, remote.ErrAlreadyExists) {
//	    // a previous attempt already created this row
//	}
var (
	// ErrAlreadyExists is returned by Insert when a row with the same
	// primary key is already present.
	ErrAlreadyExists = errors.New("row already exists")

	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrUnavailable is returned for network failures, timeouts and 5xx
	// responses. The backend may or may not have applied the request.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrRejected is returned when the backend refused the request
	// (validation, permissions, malformed payload).
	ErrRejected = errors.New("request rejected by backend")
)

// Client applies mutations to the backend.
type Client interface {
	// Insert creates record in table. record must carry an "id".
	Insert(ctx context.Context, table string, record map[string]any) error

	// Update applies fields to the row with the given id.
	Update(ctx context.Context, table, id string, fields map[string]any) error

	// Delete removes the row with the given id.
	Delete(ctx context.Context, table, id string) error
}

// Reader fetches rows from the backend.
type Reader interface {
	// Get returns the row with the given id, or ErrNotFound.
	Get(ctx context.Context, table, id string) (map[string]any, error)
}

// Snapshot is a local copy of backend rows. Rows confirmed by the backend
// are stored so reads keep working while offline.
type Snapshot interface {
	Reader

	// Store records row as the latest confirmed state, keyed by its "id".
	// Only the fields present in row are overwritten.
	Store(ctx context.Context, table string, row map[string]any) error
}

// Backend is a Client that can also read.
type Backend interface {
	Client
	Reader
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network failures and server errors are transient
	if errors.Is(err, ErrUnavailable) {
		return true
	}

	// Caller gave up; the next pass may get further
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	return false
}

// IsFatal returns true if retrying the same request cannot succeed without
// changing it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRejected)
}

// Package queue implements the durable offline mutation queue.
//
// The queue is an ordered list of schema.PendingChange records serialized
// under one well-known storage key. Records are appended at the tail and
// removed by id; they are never edited. Replay order is enqueue order.
//
// The queue owns no storage itself. A Backend supplies an atomic
// read-modify-write of the single key, so an append or remove either lands
// completely or not at all.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sitex/warehouse/internal/offline/schema"
)

// StorageKey is the well-known key the queue is persisted under.
const StorageKey = "warehouse_pending_changes"

var (
	// ErrPersist wraps any failure to durably store a queue mutation. A change
	// that failed with ErrPersist is NOT queued and will never sync.
	ErrPersist = errors.New("failed to persist pending changes")

	// ErrInvalidChange is returned when an input fails validation.
	ErrInvalidChange = errors.New("invalid pending change")

	// ErrCorrupt is returned when the stored list cannot be decoded.
	ErrCorrupt = errors.New("stored pending changes are unreadable")
)

// Backend stores one value per key with an atomic read-modify-write.
type Backend interface {
	// LoadItem returns the value under key, or nil if absent.
	LoadItem(ctx context.Context, key string) ([]byte, error)

	// UpdateItem replaces the value under key with fn(current). A nil result
	// removes the key. The replacement must be atomic: on failure the
	// previously stored value is left intact.
	UpdateItem(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
}

// Config holds configuration for the queue.
type Config struct {
	// Key overrides StorageKey. Mainly for tests sharing a backend.
	Key string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// NewID generates record ids. Defaults to random UUIDs.
	NewID func() string

	// Logger for queue activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Key:    StorageKey,
		Now:    time.Now,
		NewID:  uuid.NewString,
		Logger: log.New(io.Discard, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable list of pending changes.
type Queue struct {
	backend Backend
	config  *Config

	// mu serializes writers within this process; the backend serializes
	// across processes.
	mu sync.Mutex
}

// New creates a queue over backend with default configuration.
func New(backend Backend) (*Queue, error) {
	return NewWithConfig(backend, DefaultConfig())
}

// NewWithConfig creates a queue with custom configuration.
func NewWithConfig(backend Backend, config *Config) (*Queue, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Key == "" {
		config.Key = defaults.Key
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.NewID == nil {
		config.NewID = defaults.NewID
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Queue{backend: backend, config: config}, nil
}

// Append validates in, assigns an id and timestamp, and persists the record
// at the tail of the queue. The returned record is exactly what was stored.
//
// The timestamp never goes backwards relative to the current tail, even if
// the wall clock does.
func (q *Queue) Append(ctx context.Context, in schema.Input) (schema.PendingChange, error) {
	if err := in.Validate(); err != nil {
		return schema.PendingChange{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	data, err := in.Encode()
	if err != nil {
		return schema.PendingChange{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var stored schema.PendingChange
	err = q.backend.UpdateItem(ctx, q.config.Key, func(current []byte) ([]byte, error) {
		changes, err := schema.DecodeList(current)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		ts := q.config.Now().UnixMilli()
		if n := len(changes); n > 0 && changes[n-1].Timestamp > ts {
			ts = changes[n-1].Timestamp
		}

		id := q.config.NewID()
		for containsID(changes, id) {
			id = q.config.NewID()
		}

		stored = schema.PendingChange{
			ID:        id,
			Kind:      in.Kind,
			Data:      data,
			Timestamp: ts,
		}
		return schema.EncodeList(append(changes, stored))
	})
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return schema.PendingChange{}, err
		}
		return schema.PendingChange{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	q.config.Logger.Printf("Enqueued %s %s", stored.Kind, stored.ID)
	return stored, nil
}

// List returns all records oldest first. It never mutates the queue; the
// returned slice is a snapshot owned by the caller.
func (q *Queue) List(ctx context.Context) ([]schema.PendingChange, error) {
	data, err := q.backend.LoadItem(ctx, q.config.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending changes: %w", err)
	}

	changes, err := schema.DecodeList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return changes, nil
}

// Len returns the number of queued records.
func (q *Queue) Len(ctx context.Context) (int, error) {
	changes, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}

// Get returns the record with the given id, if queued.
func (q *Queue) Get(ctx context.Context, id string) (schema.PendingChange, bool, error) {
	changes, err := q.List(ctx)
	if err != nil {
		return schema.PendingChange{}, false, err
	}
	for _, c := range changes {
		if c.ID == id {
			return c, true, nil
		}
	}
	return schema.PendingChange{}, false, nil
}

// RemoveByID removes the record with the given id. Removing an id that is not
// queued is a no-op, not an error; other records are never affected.
func (q *Queue) RemoveByID(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	err := q.backend.UpdateItem(ctx, q.config.Key, func(current []byte) ([]byte, error) {
		changes, err := schema.DecodeList(current)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		kept := changes[:0]
		for _, c := range changes {
			if c.ID == id {
				removed = true
				continue
			}
			kept = append(kept, c)
		}
		if !removed {
			// Write back unchanged; the backend treats this as a no-op
			// replace.
			return current, nil
		}
		return schema.EncodeList(kept)
	})
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	if removed {
		q.config.Logger.Printf("Removed %s", id)
	}
	return nil
}

// Clear removes every record unconditionally. It is an administrative reset;
// normal sync never calls it.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.backend.UpdateItem(ctx, q.config.Key, func([]byte) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	q.config.Logger.Println("Queue cleared")
	return nil
}

func containsID(changes []schema.PendingChange, id string) bool {
	for _, c := range changes {
		if c.ID == id {
			return true
		}
	}
	return false
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease is a named, expiring lock stored in local_storage. Every process
// that opens the same database file sees it, so it serializes work that an
// in-process mutex cannot, such as two CLI invocations draining the queue.
//
// A holder that dies without releasing blocks others only until the lease
// expires.
type Lease struct {
	db    *DB
	key   string
	owner string
	ttl   time.Duration
	now   func() time.Time
}

type leaseRecord struct {
	Owner   string `json:"owner"`
	Expires int64  `json:"expires"` // unix milliseconds
}

// errNotHolder aborts a lease transaction without writing.
var errNotHolder = errors.New("lease held by another owner")

// NewLease returns a handle on the lease called name. Each handle is a
// distinct owner.
func (db *DB) NewLease(name string, ttl time.Duration) *Lease {
	return &Lease{
		db:    db,
		key:   "lease:" + name,
		owner: uuid.NewString(),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Acquire takes the lease, or extends it if this handle already holds it.
// Returns false while another owner holds an unexpired lease.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	err := l.db.UpdateItem(ctx, l.key, func(current []byte) ([]byte, error) {
		now := l.now()
		if rec, ok := decodeLease(current); ok && rec.Owner != l.owner && now.UnixMilli() < rec.Expires {
			return nil, errNotHolder
		}
		return json.Marshal(leaseRecord{Owner: l.owner, Expires: now.Add(l.ttl).UnixMilli()})
	})
	if errors.Is(err, errNotHolder) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s: %w", l.key, err)
	}
	return true, nil
}

// Release gives the lease up. It is a no-op if this handle does not hold it.
func (l *Lease) Release(ctx context.Context) error {
	err := l.db.UpdateItem(ctx, l.key, func(current []byte) ([]byte, error) {
		if rec, ok := decodeLease(current); !ok || rec.Owner != l.owner {
			return nil, errNotHolder
		}
		return nil, nil
	})
	if err != nil && !errors.Is(err, errNotHolder) {
		return fmt.Errorf("failed to release %s: %w", l.key, err)
	}
	return nil
}

// decodeLease parses a stored lease. A missing or unreadable record counts
// as free.
func decodeLease(data []byte) (leaseRecord, bool) {
	var rec leaseRecord
	if data == nil || json.Unmarshal(data, &rec) != nil || rec.Owner == "" {
		return leaseRecord{}, false
	}
	return rec, true
}

package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/sitex/warehouse/internal/offline/db"
)

// Local is a Backend over the SQLite tables in a db.DB. It mirrors the
// hosted backend closely enough to replay queues against during development
// and in tests. It is also the Snapshot of a hosted backend.
type Local struct {
	db *db.DB
}

var (
	_ Backend  = (*Local)(nil)
	_ Snapshot = (*Local)(nil)
)

// NewLocal creates a Local backend. The schema must already be initialized.
func NewLocal(store *db.DB) *Local {
	return &Local{db: store}
}

// Insert implements Client.
func (l *Local) Insert(ctx context.Context, table string, record map[string]any) error {
	inserted, err := l.db.InsertRow(ctx, table, record)
	if err != nil {
		return classify(err)
	}
	if !inserted {
		return fmt.Errorf("%s %v: %w", table, record["id"], ErrAlreadyExists)
	}
	return nil
}

// Update implements Client.
func (l *Local) Update(ctx context.Context, table, id string, fields map[string]any) error {
	found, err := l.db.UpdateRow(ctx, table, id, fields)
	if err != nil {
		return classify(err)
	}
	if !found {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// Delete implements Client.
func (l *Local) Delete(ctx context.Context, table, id string) error {
	if err := l.db.DeleteRow(ctx, table, id); err != nil {
		return classify(err)
	}
	return nil
}

// Get implements Reader.
func (l *Local) Get(ctx context.Context, table, id string) (map[string]any, error) {
	row, err := l.db.GetRow(ctx, table, id)
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return row, nil
}

// Store implements Snapshot. Fields the local tables have no column for are
// dropped.
func (l *Local) Store(ctx context.Context, table string, row map[string]any) error {
	if err := l.db.UpsertRow(ctx, table, db.KnownColumns(table, row)); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps a database error onto the Client errors. A cancelled call
// or a lock held by another process is transient; anything else means the
// statement itself was refused.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || db.IsBusy(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrRejected, err)
}

// Package capture is where user edits enter the system. Each operation
// either reaches the backend directly or lands in the offline queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/sitex/warehouse/internal/offline/remote"
	"github.com/sitex/warehouse/internal/offline/schema"
)

var (
	// ErrNegativeQuantity is returned when an adjustment would take stock
	// below zero.
	ErrNegativeQuantity = errors.New("quantity cannot go below zero")

	// ErrUnknownQuantity is returned when no confirmed quantity is known for
	// a product.
	ErrUnknownQuantity = errors.New("current quantity unknown")
)

// Queue is the part of queue.Queue the recorder needs.
type Queue interface {
	Append(ctx context.Context, in schema.Input) (schema.PendingChange, error)
	List(ctx context.Context) ([]schema.PendingChange, error)
}

// Connectivity reports the best-known network state.
type Connectivity interface {
	IsOnline() bool
}

// Identity returns the id of the acting user, or "" if unknown.
type Identity func() string

// Outcome describes where a captured change went.
type Outcome struct {
	// Queued is true when the change was stored for later sync.
	Queued bool

	// Change is the queued record. Zero when Queued is false.
	Change schema.PendingChange
}

// Config holds configuration for the recorder.
type Config struct {
	// Client applies changes directly while online. Nil means always queue.
	Client remote.Client

	// Reader supplies confirmed rows while online. Optional.
	Reader remote.Reader

	// Snapshot supplies the last known rows when Reader is unavailable,
	// typically the local copy of the backend tables. Rows read from Reader
	// and changes applied directly are written back to it. Optional.
	Snapshot remote.Snapshot

	// Identity names the acting user.
	Identity Identity

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for capture activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Identity: func() string { return "" },
		Now:      time.Now,
		Logger:   log.New(io.Discard, "[capture] ", log.LstdFlags),
	}
}

// Recorder routes edits to the backend or the queue.
type Recorder struct {
	queue  Queue
	conn   Connectivity
	config *Config
}

// New creates a recorder.
func New(q Queue, conn Connectivity, config *Config) (*Recorder, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Identity == nil {
		config.Identity = defaults.Identity
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Recorder{queue: q, conn: conn, config: config}, nil
}

// AdjustQuantity changes a product's stock by delta. The target is computed
// from the confirmed quantity with every queued change for the product
// folded in, and recorded as an absolute value.
func (r *Recorder) AdjustQuantity(ctx context.Context, productID string, delta int, note string) (Outcome, error) {
	pending, err := r.queue.List(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read pending changes: %w", err)
	}

	confirmed, err := r.confirmedQuantity(ctx, productID)
	if err != nil {
		return Outcome{}, err
	}

	current := schema.ProjectQuantity(productID, confirmed, pending)
	target := current + delta
	if target < 0 {
		return Outcome{}, fmt.Errorf("%w: %s has %d, adjustment %d", ErrNegativeQuantity, productID, current, delta)
	}

	in := schema.NewQuantityAdjust(productID, current, target, note, r.config.Identity(), r.config.Now())
	return r.submit(ctx, in, len(pending) > 0, func(ctx context.Context, c remote.Client) error {
		q := in.Data.(*schema.QuantityAdjust)
		if err := c.Update(ctx, schema.TableProducts, productID, map[string]any{"quantity": target}); err != nil {
			return err
		}
		err := c.Insert(ctx, schema.TableInventoryHistory, q.HistoryEntry.Row())
		if errors.Is(err, remote.ErrAlreadyExists) {
			return nil
		}
		return err
	})
}

// UpdateProduct applies a field-level product edit.
func (r *Recorder) UpdateProduct(ctx context.Context, productID string, updates map[string]any) (Outcome, error) {
	in := schema.NewProductUpdate(productID, updates)
	if err := in.Validate(); err != nil {
		return Outcome{}, err
	}

	queued, err := r.hasPending(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return r.submit(ctx, in, queued, func(ctx context.Context, c remote.Client) error {
		return c.Update(ctx, schema.TableProducts, productID, updates)
	})
}

// CreateRequest files a shop request for qty units of a product.
func (r *Recorder) CreateRequest(ctx context.Context, productID string, qty int, groupName string) (Outcome, error) {
	in := schema.NewRequestCreate(productID, qty, r.config.Identity(), groupName)
	if err := in.Validate(); err != nil {
		return Outcome{}, err
	}

	queued, err := r.hasPending(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return r.submit(ctx, in, queued, func(ctx context.Context, c remote.Client) error {
		err := c.Insert(ctx, schema.TableRequests, in.Data.(*schema.RequestCreate).Row())
		if errors.Is(err, remote.ErrAlreadyExists) {
			return nil
		}
		return err
	})
}

// submit sends in directly when that cannot overtake queued changes, and
// queues it otherwise. A transient remote failure falls back to the queue;
// a rejection is returned to the caller.
func (r *Recorder) submit(ctx context.Context, in schema.Input, behindQueue bool, direct func(context.Context, remote.Client) error) (Outcome, error) {
	if r.config.Client != nil && r.conn.IsOnline() && !behindQueue {
		err := direct(ctx, r.config.Client)
		if err == nil {
			r.config.Logger.Printf("Applied %s directly", in.Kind)
			r.remember(ctx, in)
			return Outcome{}, nil
		}
		if !remote.IsRetryable(err) {
			return Outcome{}, fmt.Errorf("failed to apply %s: %w", in.Kind, err)
		}
		r.config.Logger.Printf("Direct %s failed, queueing: %v", in.Kind, err)
	}

	change, err := r.queue.Append(ctx, in)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Queued: true, Change: change}, nil
}

func (r *Recorder) hasPending(ctx context.Context) (bool, error) {
	pending, err := r.queue.List(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read pending changes: %w", err)
	}
	return len(pending) > 0, nil
}

// confirmedQuantity reads the product's quantity from the backend when
// online, falling back to the snapshot.
func (r *Recorder) confirmedQuantity(ctx context.Context, productID string) (int, error) {
	var lastErr error
	if r.config.Reader != nil && r.conn.IsOnline() {
		row, err := r.config.Reader.Get(ctx, schema.TableProducts, productID)
		if err == nil {
			r.store(ctx, row)
			return quantityOf(row, productID)
		}
		if errors.Is(err, remote.ErrNotFound) {
			return 0, fmt.Errorf("product %s: %w", productID, err)
		}
		lastErr = err
	}

	if r.config.Snapshot != nil {
		row, err := r.config.Snapshot.Get(ctx, schema.TableProducts, productID)
		if err == nil {
			return quantityOf(row, productID)
		}
		lastErr = err
	}

	if lastErr == nil {
		return 0, fmt.Errorf("%w for %s", ErrUnknownQuantity, productID)
	}
	return 0, fmt.Errorf("%w for %s: %v", ErrUnknownQuantity, productID, lastErr)
}

// remember writes the product fields of a directly applied change to the
// snapshot.
func (r *Recorder) remember(ctx context.Context, in schema.Input) {
	if r.config.Snapshot == nil {
		return
	}
	data, err := in.Encode()
	if err != nil {
		r.config.Logger.Printf("Warning: failed to encode %s for snapshot: %v", in.Kind, err)
		return
	}
	if row, ok := schema.ConfirmedProduct(schema.PendingChange{Kind: in.Kind, Data: data}); ok {
		r.store(ctx, row)
	}
}

// store records a confirmed product row in the snapshot. A failure only
// costs offline accuracy, so it is logged and dropped.
func (r *Recorder) store(ctx context.Context, row map[string]any) {
	if r.config.Snapshot == nil {
		return
	}
	if err := r.config.Snapshot.Store(ctx, schema.TableProducts, row); err != nil {
		r.config.Logger.Printf("Warning: failed to update snapshot of %v: %v", row["id"], err)
	}
}

func quantityOf(row map[string]any, productID string) (int, error) {
	switch v := row["quantity"].(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("%w for %s: quantity is %T", ErrUnknownQuantity, productID, row["quantity"])
}

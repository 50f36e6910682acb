package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sitex/warehouse/internal/offline/remote"
	"github.com/sitex/warehouse/internal/offline/schema"
)

// applier replays one record against the backend.
type applier func(ctx context.Context, client remote.Client, c schema.PendingChange) error

// appliers maps each known kind to its replay. Adding a kind means adding
// an entry here and a payload in schema.
var appliers = map[schema.Kind]applier{
	schema.KindQuantityAdjust: applyQuantityAdjust,
	schema.KindProductUpdate:  applyProductUpdate,
	schema.KindRequestCreate:  applyRequestCreate,
}

// apply replays c. A nil error means the backend holds the change.
func apply(ctx context.Context, client remote.Client, c schema.PendingChange) error {
	fn, ok := appliers[c.Kind]
	if !ok {
		return fmt.Errorf("record %s: %w: %q", c.ID, schema.ErrUnknownKind, string(c.Kind))
	}
	return fn(ctx, client, c)
}

func applyQuantityAdjust(ctx context.Context, client remote.Client, c schema.PendingChange) error {
	q, err := schema.DecodeQuantityAdjust(c)
	if err != nil {
		return err
	}

	fields := map[string]any{"quantity": q.NewQuantity}
	if err := client.Update(ctx, schema.TableProducts, q.ProductID, fields); err != nil {
		return fmt.Errorf("failed to set quantity of %s: %w", q.ProductID, err)
	}

	// The quantity is absolute, so re-running the update above on retry is
	// harmless. The history row is keyed by its client id.
	if err := insertOnce(ctx, client, schema.TableInventoryHistory, q.HistoryEntry.Row()); err != nil {
		return fmt.Errorf("failed to record history for %s: %w", q.ProductID, err)
	}
	return nil
}

func applyProductUpdate(ctx context.Context, client remote.Client, c schema.PendingChange) error {
	p, err := schema.DecodeProductUpdate(c)
	if err != nil {
		return err
	}
	if err := client.Update(ctx, schema.TableProducts, p.ProductID, p.Updates); err != nil {
		return fmt.Errorf("failed to update product %s: %w", p.ProductID, err)
	}
	return nil
}

func applyRequestCreate(ctx context.Context, client remote.Client, c schema.PendingChange) error {
	r, err := schema.DecodeRequestCreate(c)
	if err != nil {
		return err
	}
	if err := insertOnce(ctx, client, schema.TableRequests, r.Row()); err != nil {
		return fmt.Errorf("failed to create request %s: %w", r.ID, err)
	}
	return nil
}

// insertOnce inserts row, treating a duplicate key as an earlier success.
func insertOnce(ctx context.Context, client remote.Client, table string, row map[string]any) error {
	err := client.Insert(ctx, table, row)
	if errors.Is(err, remote.ErrAlreadyExists) {
		return nil
	}
	return err
}

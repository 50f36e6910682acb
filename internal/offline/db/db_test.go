package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ncruces/go-sqlite3"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return database
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "warehouse.db")

	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	if database.Path() != path {
		t.Errorf("Expected path %s, got %s", path, database.Path())
	}
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	// Idempotent
	if err := database.InitSchema(); err != nil {
		t.Fatalf("Second InitSchema failed: %v", err)
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a.db", "file:a.db?_txlock=immediate"},
		{"file:a.db", "file:a.db?_txlock=immediate"},
		{"file:a.db?mode=ro", "file:a.db?mode=ro&_txlock=immediate"},
		{":memory:", "file::memory:?_txlock=immediate"},
	}
	for _, tt := range tests {
		if got := dsn(tt.in); got != tt.want {
			t.Errorf("dsn(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocalStorageItems(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	got, err := database.LoadItem(ctx, "missing")
	if err != nil {
		t.Fatalf("LoadItem failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing key, got %q", got)
	}

	err = database.UpdateItem(ctx, "k", func(cur []byte) ([]byte, error) {
		if cur != nil {
			t.Errorf("Expected nil current value, got %q", cur)
		}
		return []byte("one"), nil
	})
	if err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	err = database.UpdateItem(ctx, "k", func(cur []byte) ([]byte, error) {
		return append(cur, []byte(",two")...), nil
	})
	if err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	got, err = database.LoadItem(ctx, "k")
	if err != nil {
		t.Fatalf("LoadItem failed: %v", err)
	}
	if string(got) != "one,two" {
		t.Errorf("Expected %q, got %q", "one,two", got)
	}

	// A failing update leaves the stored value alone.
	boom := errors.New("boom")
	err = database.UpdateItem(ctx, "k", func(cur []byte) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	got, _ = database.LoadItem(ctx, "k")
	if string(got) != "one,two" {
		t.Errorf("Expected value preserved after failed update, got %q", got)
	}

	// nil result deletes
	if err := database.UpdateItem(ctx, "k", func([]byte) ([]byte, error) { return nil, nil }); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	got, _ = database.LoadItem(ctx, "k")
	if got != nil {
		t.Errorf("Expected key removed, got %q", got)
	}

	if err := database.RemoveItem(ctx, "k"); err != nil {
		t.Errorf("RemoveItem of absent key should be nil, got %v", err)
	}
}

func TestItemsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warehouse.db")
	ctx := context.Background()

	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := first.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if err := first.UpdateItem(ctx, "k", func([]byte) ([]byte, error) { return []byte("v"), nil }); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer second.Close()

	got, err := second.LoadItem(ctx, "k")
	if err != nil {
		t.Fatalf("LoadItem failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Expected %q after reopen, got %q", "v", got)
	}
}

func TestRowOperations(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	inserted, err := database.InsertRow(ctx, "products", map[string]any{
		"id": "p1", "sku": "SKU-1", "name": "Bolt", "quantity": 10,
	})
	if err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}
	if !inserted {
		t.Error("Expected first insert to write a row")
	}

	inserted, err = database.InsertRow(ctx, "products", map[string]any{"id": "p1", "name": "Other"})
	if err != nil {
		t.Fatalf("Duplicate InsertRow failed: %v", err)
	}
	if inserted {
		t.Error("Expected duplicate insert to be ignored")
	}

	found, err := database.UpdateRow(ctx, "products", "p1", map[string]any{"quantity": float64(8)})
	if err != nil {
		t.Fatalf("UpdateRow failed: %v", err)
	}
	if !found {
		t.Error("Expected update to find p1")
	}

	row, err := database.GetRow(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("GetRow failed: %v", err)
	}
	if row["quantity"] != int64(8) {
		t.Errorf("Expected quantity 8, got %#v", row["quantity"])
	}
	if row["name"] != "Bolt" {
		t.Errorf("Expected name Bolt, got %#v", row["name"])
	}

	found, err = database.UpdateRow(ctx, "products", "nope", map[string]any{"quantity": 1})
	if err != nil {
		t.Fatalf("UpdateRow failed: %v", err)
	}
	if found {
		t.Error("Expected update of missing row to report not found")
	}

	if err := database.DeleteRow(ctx, "products", "p1"); err != nil {
		t.Fatalf("DeleteRow failed: %v", err)
	}
	if err := database.DeleteRow(ctx, "products", "p1"); err != nil {
		t.Errorf("Second DeleteRow should be nil, got %v", err)
	}
	if _, err := database.GetRow(ctx, "products", "p1"); !IsNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRowOperationsRejectUnknownNames(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"unknown table insert", func() error {
			_, err := database.InsertRow(ctx, "users; DROP TABLE products", map[string]any{"id": "x"})
			return err
		}},
		{"unknown column insert", func() error {
			_, err := database.InsertRow(ctx, "products", map[string]any{"id": "x", "price": 3})
			return err
		}},
		{"missing id", func() error {
			_, err := database.InsertRow(ctx, "products", map[string]any{"name": "x"})
			return err
		}},
		{"unknown column update", func() error {
			_, err := database.UpdateRow(ctx, "products", "x", map[string]any{"price": 3})
			return err
		}},
		{"empty update", func() error {
			_, err := database.UpdateRow(ctx, "products", "x", nil)
			return err
		}},
		{"unknown column count", func() error {
			_, err := database.CountRows(ctx, "requests", "price", 1)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestCountRows(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	for _, row := range []map[string]any{
		{"id": "r1", "product_id": "x", "quantity_requested": 3},
		{"id": "r2", "product_id": "x", "quantity_requested": 1},
		{"id": "r3", "product_id": "y", "quantity_requested": 2},
	} {
		if _, err := database.InsertRow(ctx, "requests", row); err != nil {
			t.Fatalf("InsertRow failed: %v", err)
		}
	}

	total, err := database.CountRows(ctx, "requests", "", nil)
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if total != 3 {
		t.Errorf("Expected 3 requests, got %d", total)
	}

	forX, err := database.CountRows(ctx, "requests", "product_id", "x")
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if forX != 2 {
		t.Errorf("Expected 2 requests for x, got %d", forX)
	}
}

func TestUpsertRow(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.UpsertRow(ctx, "products", map[string]any{"id": "p1", "name": "Bolt", "quantity": 10}); err != nil {
		t.Fatalf("UpsertRow insert failed: %v", err)
	}
	if err := database.UpsertRow(ctx, "products", map[string]any{"id": "p1", "quantity": 4}); err != nil {
		t.Fatalf("UpsertRow update failed: %v", err)
	}
	if err := database.UpsertRow(ctx, "products", map[string]any{"id": "p1"}); err != nil {
		t.Fatalf("UpsertRow of id only failed: %v", err)
	}

	row, err := database.GetRow(ctx, "products", "p1")
	if err != nil {
		t.Fatalf("GetRow failed: %v", err)
	}
	if row["quantity"] != int64(4) || row["name"] != "Bolt" {
		t.Errorf("Unexpected row after upserts: %#v", row)
	}

	if err := database.UpsertRow(ctx, "products", map[string]any{"id": "p2", "price": 1}); err == nil {
		t.Error("Expected error for unknown column")
	}
	if err := database.UpsertRow(ctx, "products", map[string]any{"quantity": 1}); err == nil {
		t.Error("Expected error for missing id")
	}
}

func TestKnownColumns(t *testing.T) {
	got := KnownColumns("products", map[string]any{"id": "p1", "quantity": 3, "category": "tools"})
	if len(got) != 2 || got["id"] != "p1" || got["quantity"] != 3 {
		t.Errorf("Unexpected filtered row %#v", got)
	}
	if got := KnownColumns("nope", map[string]any{"id": "p1"}); len(got) != 0 {
		t.Errorf("Expected nothing for unknown table, got %#v", got)
	}
}

func TestIsBusy(t *testing.T) {
	if !IsBusy(fmt.Errorf("failed to insert: %w", sqlite3.BUSY)) {
		t.Error("Expected wrapped BUSY to be busy")
	}
	if IsBusy(ErrNotFound) || IsBusy(nil) {
		t.Error("Expected other errors not to be busy")
	}
}

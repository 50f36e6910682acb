package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sitex/warehouse/internal/offline/db"
	"github.com/sitex/warehouse/internal/offline/schema"
)

// runRoot executes the CLI with args and resets the persistent flag
// variables afterwards.
func runRoot(t *testing.T, args ...string) error {
	t.Helper()

	rootCmd.SetArgs(args)
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	defer func() {
		rootCmd.SetArgs(nil)
		forceOff = false
		jsonOutput = false
	}()
	return rootCmd.Execute()
}

func TestCommandErrorRunsCleanup(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WAREHOUSE_HOME", dir)

	err := runRoot(t, "--data-dir", dir, "--offline", "sync")
	if err == nil || !strings.Contains(err.Error(), "offline") {
		t.Fatalf("Expected offline error, got %v", err)
	}

	// The database was opened, so the error must come back through its
	// deferred close. Close checkpoints the WAL into the main file.
	if _, err := os.Stat(filepath.Join(dir, "warehouse.db")); err != nil {
		t.Fatalf("Expected database to exist: %v", err)
	}
	if info, err := os.Stat(filepath.Join(dir, "warehouse.db-wal")); err == nil && info.Size() > 0 {
		t.Errorf("Expected WAL checkpointed on close, found %d bytes", info.Size())
	}
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WAREHOUSE_HOME", dir)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad delta", []string{"--data-dir", dir, "adjust", "p1", "many"}, "delta must be an integer"},
		{"bad quantity", []string{"--data-dir", dir, "request", "p1", "x"}, "quantity must be an integer"},
		{"bad assignment", []string{"--data-dir", dir, "update", "p1", "novalue"}, "field=value"},
		{"daemon offline", []string{"--data-dir", dir, "--offline", "daemon"}, "not supported by daemon"},
		{"unknown product offline", []string{"--data-dir", dir, "--offline", "adjust", "p1", "1"}, "current quantity unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runRoot(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestQueuedRequestSyncsThroughCommands(t *testing.T) {
	dir := t.TempDir()
	backendPath := filepath.Join(t.TempDir(), "backend.db")
	t.Setenv("WAREHOUSE_HOME", dir)
	t.Setenv("WAREHOUSE_REMOTE_LOCAL_DB", backendPath)

	if err := runRoot(t, "--data-dir", dir, "--offline", "request", "p1", "2"); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if err := runRoot(t, "--data-dir", dir, "sync"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	backend, err := db.Open(backendPath)
	if err != nil {
		t.Fatalf("Failed to open backend: %v", err)
	}
	defer backend.Close()
	n, err := backend.CountRows(context.Background(), schema.TableRequests, "product_id", "p1")
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 request on the backend, got %d", n)
	}

	local, err := db.Open(filepath.Join(dir, "warehouse.db"))
	if err != nil {
		t.Fatalf("Failed to open local database: %v", err)
	}
	defer local.Close()
	lease, err := local.LoadItem(context.Background(), "lease:sync")
	if err != nil {
		t.Fatalf("LoadItem failed: %v", err)
	}
	if lease != nil {
		t.Errorf("Expected sync lease released, found %s", lease)
	}
}

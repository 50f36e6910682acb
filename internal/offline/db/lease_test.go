package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestLeaseAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warehouse.db")
	ctx := context.Background()

	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer first.Close()
	if err := first.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	second, err := Open(path)
	if err != nil {
		t.Fatalf("Second open failed: %v", err)
	}
	defer second.Close()

	a := first.NewLease("sync", time.Minute)
	b := second.NewLease("sync", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("First Acquire = %v, %v; want true", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ok {
		t.Fatal("Expected lease held by the other handle to be refused")
	}

	// Renewal by the holder succeeds; a release by a non-holder does nothing.
	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Errorf("Renew = %v, %v; want true", ok, err)
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("Release by non-holder failed: %v", err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Error("Expected non-holder release to leave the lease in place")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Errorf("Acquire after release = %v, %v; want true", ok, err)
	}
}

func TestLeaseExpires(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a := database.NewLease("sync", time.Minute)
	a.now = clock
	b := database.NewLease("sync", time.Minute)
	b.now = clock

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("Expected first Acquire to succeed")
	}
	now = now.Add(59 * time.Second)
	if ok, _ := b.Acquire(ctx); ok {
		t.Error("Expected lease to hold before expiry")
	}
	now = now.Add(2 * time.Second)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Error("Expected expired lease to be taken over")
	}

	// The old holder finds out on its next renewal.
	if ok, _ := a.Acquire(ctx); ok {
		t.Error("Expected old holder to lose the lease")
	}
}

func TestLeaseIgnoresCorruptRecord(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	err := database.UpdateItem(ctx, "lease:sync", func([]byte) ([]byte, error) {
		return []byte("not json"), nil
	})
	if err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	l := database.NewLease("sync", time.Minute)
	if ok, err := l.Acquire(ctx); err != nil || !ok {
		t.Errorf("Acquire over corrupt record = %v, %v; want true", ok, err)
	}
}

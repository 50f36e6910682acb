package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	stdsync "sync"

	"github.com/sitex/warehouse/internal/offline/connectivity"
	"github.com/sitex/warehouse/internal/offline/remote"
	"github.com/sitex/warehouse/internal/offline/schema"
)

// Queue is the part of queue.Queue the engine needs.
type Queue interface {
	List(ctx context.Context) ([]schema.PendingChange, error)
	RemoveByID(ctx context.Context, id string) error
}

// Notifier delivers connectivity transitions. connectivity.Monitor
// satisfies it.
type Notifier interface {
	OnChange(listener func(connectivity.Event)) (unsubscribe func())
}

// Observer is told when passes start and finish. Calls happen on the
// draining goroutine and must not block.
type Observer interface {
	SyncStarted()
	SyncFinished(res Result, err error)
}

// ErrBusy is returned by a pass that found another process draining the
// same queue.
var ErrBusy = errors.New("sync already running in another process")

// Lease serializes passes across processes sharing a queue. db.Lease
// satisfies it.
type Lease interface {
	// Acquire takes or renews the lease, returning false if another
	// holder has it.
	Acquire(ctx context.Context) (bool, error)

	// Release gives the lease up.
	Release(ctx context.Context) error
}

// Result summarizes one pass.
type Result struct {
	// Synced counts records applied and removed from the queue.
	Synced int `json:"synced"`

	// Failed counts records left in the queue for the next pass.
	Failed int `json:"failed"`
}

// Config holds configuration for the engine.
type Config struct {
	// Observer receives pass notifications. Optional.
	Observer Observer

	// Lease is held for the duration of each pass. Optional; without it
	// passes are only serialized within this engine.
	Lease Lease

	// Snapshot receives the product state of each applied record.
	// Optional.
	Snapshot remote.Snapshot

	// Logger for sync activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(io.Discard, "[sync] ", log.LstdFlags),
	}
}

type outcome struct {
	res Result
	err error
}

// Engine drains the queue against the backend. It is Idle or Draining; at
// most one pass runs at a time.
type Engine struct {
	queue  Queue
	client remote.Client
	config *Config

	mu       stdsync.Mutex
	draining bool
	// next holds callers waiting for the pass after the current one.
	next []chan outcome

	wg stdsync.WaitGroup
}

// New creates an engine. A nil client is allowed and makes every pass a
// no-op that reports zero counts, for devices with no backend configured.
func New(q Queue, client remote.Client, config *Config) (*Engine, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Engine{queue: q, client: client, config: config}, nil
}

// TriggerSync runs a pass and returns its result. If a pass is already in
// flight, no second concurrent pass starts: the call waits for one follow-up
// pass after the current one and returns that pass's result.
//
// Once started, a pass runs to completion even if ctx is cancelled; ctx only
// bounds how long this caller waits for the result.
func (e *Engine) TriggerSync(ctx context.Context) (Result, error) {
	ch := make(chan outcome, 1)

	e.mu.Lock()
	if e.draining {
		e.next = append(e.next, ch)
	} else {
		e.draining = true
		e.wg.Add(1)
		go e.drain(context.WithoutCancel(ctx), []chan outcome{ch})
	}
	e.mu.Unlock()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Syncing reports whether a pass is in flight.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// PendingCount returns the number of queued records.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	changes, err := e.queue.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return len(changes), nil
}

// Attach triggers a pass whenever n reports offline→online and the queue is
// non-empty. The returned function detaches.
func (e *Engine) Attach(n Notifier) (detach func()) {
	return n.OnChange(func(ev connectivity.Event) {
		if !ev.Restored() {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.syncIfPending(context.Background(), "reconnect via "+ev.Source)
		}()
	})
}

// syncIfPending runs a pass when the queue is non-empty.
func (e *Engine) syncIfPending(ctx context.Context, reason string) {
	n, err := e.PendingCount(ctx)
	if err != nil {
		e.config.Logger.Printf("Warning: %v", err)
		return
	}
	if n == 0 {
		return
	}
	e.config.Logger.Printf("Syncing %d pending change(s) after %s", n, reason)
	if _, err := e.TriggerSync(ctx); err != nil {
		e.config.Logger.Printf("Sync after %s failed: %v", reason, err)
	}
}

// Wait blocks until no pass is running and no reconnect trigger is pending.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// drain runs passes until no caller is waiting for another one.
func (e *Engine) drain(ctx context.Context, waiters []chan outcome) {
	defer e.wg.Done()

	for {
		res, err := e.pass(ctx)
		for _, w := range waiters {
			w <- outcome{res: res, err: err}
		}

		e.mu.Lock()
		if len(e.next) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		waiters = e.next
		e.next = nil
		e.mu.Unlock()
	}
}

// pass drains one snapshot of the queue. Records appended during the pass
// are left for the next one.
func (e *Engine) pass(ctx context.Context) (res Result, err error) {
	if obs := e.config.Observer; obs != nil {
		obs.SyncStarted()
		defer func() { obs.SyncFinished(res, err) }()
	}

	if e.client == nil {
		e.config.Logger.Printf("Warning: no remote backend configured, skipping sync")
		return Result{}, nil
	}

	if lease := e.config.Lease; lease != nil {
		if err := e.renew(ctx); err != nil {
			return Result{}, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				e.config.Logger.Printf("Warning: %v", err)
			}
		}()
	}

	changes, err := e.queue.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list pending changes: %w", err)
	}
	if len(changes) == 0 {
		return Result{}, nil
	}

	e.config.Logger.Printf("Starting sync of %d pending change(s)", len(changes))

	for i, c := range changes {
		if i > 0 {
			if err := e.renew(ctx); err != nil {
				e.config.Logger.Printf("Stopping sync after %d change(s): %v", i, err)
				return res, err
			}
		}
		if err := apply(ctx, e.client, c); err != nil {
			res.Failed++
			e.config.Logger.Printf("Failed to sync %s %s: %v", c.Kind, c.ID, err)
			continue
		}
		e.mirror(ctx, c)

		// Applied but still queued; the replay is idempotent so the next
		// pass may safely apply it again.
		if err := e.queue.RemoveByID(ctx, c.ID); err != nil {
			res.Failed++
			e.config.Logger.Printf("Failed to remove synced %s %s: %v", c.Kind, c.ID, err)
			continue
		}
		res.Synced++
	}

	e.config.Logger.Printf("Sync complete: synced=%d, failed=%d", res.Synced, res.Failed)
	return res, nil
}

// renew takes or extends the lease. It returns ErrBusy if another process
// holds it.
func (e *Engine) renew(ctx context.Context) error {
	if e.config.Lease == nil {
		return nil
	}
	ok, err := e.config.Lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to take sync lease: %w", err)
	}
	if !ok {
		return ErrBusy
	}
	return nil
}

// mirror writes the product state c left on the backend to the snapshot.
func (e *Engine) mirror(ctx context.Context, c schema.PendingChange) {
	if e.config.Snapshot == nil {
		return
	}
	row, ok := schema.ConfirmedProduct(c)
	if !ok {
		return
	}
	if err := e.config.Snapshot.Store(ctx, schema.TableProducts, row); err != nil {
		e.config.Logger.Printf("Warning: failed to update snapshot of %v: %v", row["id"], err)
	}
}

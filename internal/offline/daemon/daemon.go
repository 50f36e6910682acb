// Package daemon keeps the offline queue draining in the background.
//
// The daemon:
//  1. Drives the connectivity sources feeding the monitor
//  2. Runs a sync pass on start and on every offline→online transition
//  3. Retries passes that left failures behind, with exponential backoff
//  4. Keeps the dashboard indicator current
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sitex/warehouse/internal/offline/connectivity"
	"github.com/sitex/warehouse/internal/offline/dashboard"
	offsync "github.com/sitex/warehouse/internal/offline/sync"
)

// errOffline stops a retry sequence; the next reconnect starts a new pass.
var errOffline = errors.New("offline")

// Config holds configuration for the daemon.
type Config struct {
	// Sources feed the connectivity monitor
	Sources []connectivity.Source

	// Handler receives connectivity and pending updates. Optional.
	Handler *dashboard.Handler

	// BackoffInitial is the first wait after a pass with failures
	BackoffInitial time.Duration

	// BackoffMax caps the wait between retries
	BackoffMax time.Duration

	// RetryWindow bounds one retry sequence. Failures left after it are
	// picked up by the next refresh or reconnect.
	RetryWindow time.Duration

	// RefreshInterval is how often to re-read the queue length. Changes
	// enqueued by other processes are noticed this way.
	RefreshInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackoffInitial:  2 * time.Second,
		BackoffMax:      5 * time.Minute,
		RetryWindow:     15 * time.Minute,
		RefreshInterval: 30 * time.Second,
		Logger:          log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs the sync engine against a connectivity monitor.
type Daemon struct {
	engine  *offsync.Engine
	monitor *connectivity.Monitor
	config  *Config

	// retry is signalled when queued changes are left after a pass.
	retry chan struct{}

	detach []func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with default configuration.
func New(engine *offsync.Engine, monitor *connectivity.Monitor) (*Daemon, error) {
	return NewWithConfig(engine, monitor, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(engine *offsync.Engine, monitor *connectivity.Monitor, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = defaults.BackoffInitial
	}
	if config.BackoffMax < config.BackoffInitial {
		config.BackoffMax = max(defaults.BackoffMax, config.BackoffInitial)
	}
	if config.RetryWindow <= 0 {
		config.RetryWindow = defaults.RetryWindow
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:  engine,
		monitor: monitor,
		config:  config,
		retry:   make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Subscribe the engine and dashboard to connectivity changes
//  2. Start the connectivity sources
//  3. Run an initial sync pass
//  4. Retry failures and refresh the pending count in the background
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.detach = append(d.detach, d.engine.Attach(d.monitor))
	if h := d.config.Handler; h != nil {
		d.detach = append(d.detach, d.monitor.OnChange(h.OnConnectivity))
		h.OnConnectivity(connectivity.Event{Online: d.monitor.IsOnline(), At: time.Now(), Source: "start"})
		h.Refresh(d.ctx)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.monitor.Run(d.ctx, d.config.Sources...)
	}()

	d.wg.Add(2)
	go d.retryLoop()
	go d.refreshLoop()

	d.initialSync()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A pass in flight is allowed to
// finish so no applied change is left unremoved.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		for _, fn := range d.detach {
			fn()
		}
		d.cancel()
		d.wg.Wait()
		d.engine.Wait()

		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// initialSync drains whatever was queued while the daemon was down.
func (d *Daemon) initialSync() {
	if !d.monitor.IsOnline() {
		d.config.Logger.Println("Offline at start, waiting for connectivity")
		return
	}
	res, err := d.engine.TriggerSync(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Initial sync failed: %v", err)
		d.scheduleRetry()
		return
	}
	d.config.Logger.Printf("Initial sync: synced=%d, failed=%d", res.Synced, res.Failed)
	if res.Failed > 0 {
		d.scheduleRetry()
	}
}

// scheduleRetry asks the retry loop to start a backoff sequence. Requests
// made while one is already pending collapse into it.
func (d *Daemon) scheduleRetry() {
	select {
	case d.retry <- struct{}{}:
	default:
	}
}

// retryLoop runs one backoff sequence per retry request.
func (d *Daemon) retryLoop() {
	defer d.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.BackoffInitial
	b.MaxInterval = d.config.BackoffMax

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.retry:
		}
		if !d.sleep(d.config.BackoffInitial) {
			return
		}

		_, err := backoff.Retry(d.ctx, d.retryPass,
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(d.config.RetryWindow),
			backoff.WithNotify(func(err error, wait time.Duration) {
				d.config.Logger.Printf("Retrying sync in %v: %v", wait.Round(time.Millisecond), err)
			}),
		)
		switch {
		case err == nil:
			d.config.Logger.Println("Pending changes drained")
		case errors.Is(err, errOffline):
			d.config.Logger.Println("Went offline, retry deferred to reconnect")
		case d.ctx.Err() != nil:
			return
		default:
			d.config.Logger.Printf("Giving up retry sequence: %v", err)
		}
	}
}

// retryPass is one attempt of a backoff sequence. It succeeds once the
// queue is empty.
func (d *Daemon) retryPass() (offsync.Result, error) {
	if !d.monitor.IsOnline() {
		return offsync.Result{}, backoff.Permanent(errOffline)
	}

	pending, err := d.engine.PendingCount(d.ctx)
	if err != nil {
		return offsync.Result{}, err
	}
	if pending == 0 {
		return offsync.Result{}, nil
	}

	res, err := d.engine.TriggerSync(d.ctx)
	if err != nil {
		return res, err
	}
	if res.Failed > 0 {
		return res, fmt.Errorf("%d change(s) still failing", res.Failed)
	}
	return res, nil
}

// sleep waits for dur, returning false if the daemon stops first.
func (d *Daemon) sleep(dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// refreshLoop periodically re-reads the queue length and schedules a retry
// when changes are waiting while online.
func (d *Daemon) refreshLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if h := d.config.Handler; h != nil {
				h.Refresh(d.ctx)
			}
			n, err := d.engine.PendingCount(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Error counting pending changes: %v", err)
				continue
			}
			if n > 0 && d.monitor.IsOnline() && !d.engine.Syncing() {
				d.scheduleRetry()
			}
		}
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sitex/warehouse/internal/config"
	"github.com/sitex/warehouse/internal/offline/capture"
	"github.com/sitex/warehouse/internal/offline/connectivity"
	"github.com/sitex/warehouse/internal/offline/db"
	"github.com/sitex/warehouse/internal/offline/queue"
	"github.com/sitex/warehouse/internal/offline/remote"
	offsync "github.com/sitex/warehouse/internal/offline/sync"
)

var (
	configFile string
	forceOff   bool
	jsonOutput bool

	settings = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "warehouse",
	Short: "Offline-resilient inventory edits for the warehouse app",
	Long: `Record inventory edits on a device that may lose connectivity.

Edits made while offline are kept in a durable local queue and replayed
against the backend, in order, once the device is back online. Run
'warehouse daemon' to sync automatically on reconnect.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "edit", Title: "Editing:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $WAREHOUSE_HOME/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding the local database")
	rootCmd.PersistentFlags().BoolVar(&forceOff, "offline", false, "Treat the device as offline")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := config.BindFlag(settings, "data_dir", rootCmd.PersistentFlags().Lookup("data-dir")); err != nil {
		config.Exitf("%v", err)
	}
}

// main reports a command's error only after Execute returns, so the
// command's deferred cleanup (database checkpoint, log rotation) has run.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the wiring shared by every command.
type app struct {
	cfg    *config.Config
	store  *db.DB
	queue  *queue.Queue
	client remote.Backend
	// snapshot is the local copy of backend rows, read while offline and
	// refreshed whenever the backend confirms a product.
	snapshot remote.Snapshot
	closer   []func() error
}

// openApp loads configuration and opens the local database, queue and
// backend client. The caller must call close.
func openApp(logOut io.Writer) (*app, error) {
	cfg, err := config.Load(settings, configFile)
	if err != nil {
		return nil, err
	}

	store, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, snapshot: remote.NewLocal(store)}
	a.closer = append(a.closer, store.Close)

	if err := store.InitSchema(); err != nil {
		a.close()
		return nil, err
	}

	var backend queue.Backend = store
	if cfg.Queue.Backend == config.BackendFile {
		fb, err := queue.NewFileBackend(cfg.DataDir)
		if err != nil {
			a.close()
			return nil, err
		}
		backend = fb
	}
	a.queue, err = queue.NewWithConfig(backend, &queue.Config{
		Logger: config.NewLogger(logOut, "queue"),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if err := a.openRemote(logOut); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openRemote(logOut io.Writer) error {
	switch {
	case a.cfg.Remote.URL != "":
		client, err := remote.NewPostgREST(&remote.Config{
			URL:     a.cfg.Remote.URL,
			APIKey:  a.cfg.Remote.APIKey,
			Token:   a.cfg.Remote.Token,
			Timeout: a.cfg.Remote.Timeout,
			Logger:  config.NewLogger(logOut, "remote"),
		})
		if err != nil {
			return err
		}
		a.client = client

	case a.cfg.Remote.LocalDB != "":
		backendDB, err := db.Open(a.cfg.Remote.LocalDB)
		if err != nil {
			return err
		}
		a.closer = append(a.closer, backendDB.Close)
		if err := backendDB.InitSchema(); err != nil {
			return err
		}
		local := remote.NewLocal(backendDB)
		a.client = local
		a.snapshot = local
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
}

// syncClient is the engine's client. A typed nil would defeat the engine's
// no-backend check.
func (a *app) syncClient() remote.Client {
	if a.client == nil {
		return nil
	}
	return a.client
}

// initialOnline decides connectivity for one-shot commands: --offline and
// the flag file force offline, otherwise the probe decides when configured.
func (a *app) initialOnline(ctx context.Context) (bool, string) {
	if forceOff {
		return false, "--offline"
	}
	flag := connectivity.NewFlagFile(a.cfg.FlagPath())
	if flag.Present() {
		return false, flag.Name()
	}
	if a.cfg.Connectivity.ProbeURL != "" {
		probe := connectivity.NewHTTPProbe(a.cfg.Connectivity.ProbeURL)
		return probe.Check(ctx), probe.Name()
	}
	return true, ""
}

// engine builds the sync engine. Passes hold the "sync" lease in the local
// database, so a one-shot sync and a running daemon never drain together.
func (a *app) engine(observer offsync.Observer, logOut io.Writer) (*offsync.Engine, error) {
	return offsync.New(a.queue, a.syncClient(), &offsync.Config{
		Observer: observer,
		Lease:    a.store.NewLease("sync", a.cfg.Sync.LeaseTTL),
		Snapshot: a.snapshot,
		Logger:   config.NewLogger(logOut, "sync"),
	})
}

func (a *app) recorder(online bool, logOut io.Writer) (*capture.Recorder, error) {
	cfg := &capture.Config{
		Snapshot: a.snapshot,
		Identity: func() string { return a.cfg.UserID },
		Logger:   config.NewLogger(logOut, "capture"),
	}
	if a.client != nil {
		cfg.Client = a.client
		cfg.Reader = a.client
	}
	return capture.New(a.queue, staticConnectivity(online), cfg)
}

// staticConnectivity is the connectivity of a one-shot command.
type staticConnectivity bool

func (s staticConnectivity) IsOnline() bool { return bool(s) }

// quietLog is where one-shot commands send component logs.
func quietLog() io.Writer {
	if os.Getenv("WAREHOUSE_DEBUG") != "" {
		return os.Stderr
	}
	return io.Discard
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitex/warehouse/internal/config"
	"github.com/sitex/warehouse/internal/offline/connectivity"
	"github.com/sitex/warehouse/internal/offline/daemon"
	"github.com/sitex/warehouse/internal/offline/dashboard"
	"github.com/sitex/warehouse/internal/offline/queue"
	"github.com/sitex/warehouse/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync pending changes automatically",
	Long: `Run in the foreground, syncing pending changes whenever the device is online.

The daemon:
  1. Syncs whatever was queued while it was not running
  2. Syncs again every time connectivity comes back
  3. Retries failed changes with exponential backoff
  4. Serves the status indicator over WebSocket

Connectivity is offline while the flag file exists (default
<data-dir>/offline) or, when connectivity.probe_url is set, while the
probe cannot reach it.

WebSocket messages include:
- status: indicator state and text
- connectivity: online/offline transition
- sync_started, sync_complete: sync pass lifecycle
- pending: queue length changed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if forceOff {
			return fmt.Errorf("--offline is not supported by daemon; create the flag file instead")
		}
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		a, err := openApp(quietLog())
		if err != nil {
			return err
		}
		defer a.close()

		logOut, logCloser := a.cfg.LogOutput()
		defer logCloser.Close()

		port := a.cfg.Dashboard.Port
		if cmd.Flags().Changed("dashboard-port") {
			port, _ = cmd.Flags().GetInt("dashboard-port")
		}

		var server *dashboard.Server
		if !noDashboard {
			server = dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: config.NewLogger(logOut, "dashboard"),
			})
		}
		handler := dashboard.NewHandler(server, queueCounter{a.queue}, config.NewLogger(logOut, "dashboard"))
		engine, err := a.engine(handler, logOut)
		if err != nil {
			return err
		}

		flag := connectivity.NewFlagFile(a.cfg.FlagPath())
		sources := []connectivity.Source{flag}
		if a.cfg.Connectivity.ProbeURL != "" {
			probe := connectivity.NewHTTPProbe(a.cfg.Connectivity.ProbeURL)
			if a.cfg.Connectivity.ProbeInterval > 0 {
				probe.Interval = a.cfg.Connectivity.ProbeInterval
			}
			sources = append(sources, probe)
		}
		monitor := connectivity.NewMonitor(!flag.Present(), config.NewLogger(logOut, "connectivity"))

		d, err := daemon.NewWithConfig(engine, monitor, &daemon.Config{
			Sources:        sources,
			Handler:        handler,
			BackoffInitial: a.cfg.Sync.BackoffInitial,
			BackoffMax:     a.cfg.Sync.BackoffMax,
			Logger:         config.NewLogger(logOut, "daemon"),
		})
		if err != nil {
			return err
		}

		if server != nil {
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer server.Stop()
		}

		fmt.Printf("%s Starting warehouse sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Database: %s\n", a.store.Path())
		fmt.Printf("   Backend: %s\n", backendName(a.cfg))
		fmt.Printf("   Offline flag: %s\n", flag.Path)
		if server != nil {
			fmt.Printf("   WebSocket: ws://%s/ws\n", server.GetAddr())
		}
		if a.cfg.Log.File != "" {
			fmt.Printf("   Log: %s\n", a.cfg.Log.File)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped: %w", err)
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

// queueCounter adapts the queue to the dashboard's Counter.
type queueCounter struct {
	q *queue.Queue
}

func (c queueCounter) PendingCount(ctx context.Context) (int, error) {
	return c.q.Len(ctx)
}

func init() {
	daemonCmd.Flags().IntP("dashboard-port", "p", 8088, "Port for the status WebSocket (overrides dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not serve the status WebSocket")

	rootCmd.AddCommand(daemonCmd)
}

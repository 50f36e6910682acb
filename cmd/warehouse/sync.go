package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitex/warehouse/internal/config"
	"github.com/sitex/warehouse/internal/offline/dashboard"
	offsync "github.com/sitex/warehouse/internal/offline/sync"
	"github.com/sitex/warehouse/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay pending changes against the backend",
	Long: `Replay every pending change against the backend in the order it was made.

Changes the backend accepts are removed from the queue. Failed changes stay
queued for the next sync and do not stop later changes from being tried.
With no backend configured, nothing is synced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(quietLog())
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		if online, source := a.initialOnline(ctx); !online {
			return fmt.Errorf("offline (%s), not syncing", source)
		}
		if !a.cfg.HasRemote() {
			fmt.Fprintf(os.Stderr, "%s No backend configured (set remote.url or remote.local_db)\n", ui.RenderWarn("⚠"))
		}

		engine, err := a.engine(nil, quietLog())
		if err != nil {
			return err
		}
		start := time.Now()
		res, err := engine.TriggerSync(ctx)
		busy := errors.Is(err, offsync.ErrBusy)
		if err != nil && !busy {
			return fmt.Errorf("sync failed: %w", err)
		}
		pending, err := a.queue.Len(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{
				"synced":  res.Synced,
				"failed":  res.Failed,
				"pending": pending,
				"busy":    busy,
			}); err != nil {
				return err
			}
		} else if busy {
			fmt.Printf("%s Another process is already syncing\n", ui.RenderAccent("⏳"))
			fmt.Printf("   Pending: %d\n", pending)
		} else {
			mark := ui.RenderPass("✓")
			if res.Failed > 0 {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Printf("%s Sync complete in %v\n", mark, time.Since(start).Round(time.Millisecond))
			fmt.Printf("   Synced: %d\n", res.Synced)
			fmt.Printf("   Failed: %d\n", res.Failed)
			fmt.Printf("   Pending: %d\n", pending)
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d change(s) failed to sync", res.Failed)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(quietLog())
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		online, source := a.initialOnline(ctx)
		pending, err := a.queue.Len(ctx)
		if err != nil {
			return err
		}
		ind := dashboard.Indicator{Online: online, Pending: pending}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dashboard.StatusData{Indicator: ind, Text: ind.Text()})
		}

		fmt.Printf("\n%s Warehouse Sync Status\n\n", ui.RenderAccent("📊"))
		switch {
		case !online:
			fmt.Printf("   Connectivity: %s (%s)\n", ui.RenderFail("offline"), source)
		default:
			fmt.Printf("   Connectivity: %s\n", ui.RenderPass("online"))
		}
		fmt.Printf("   Pending: %d\n", pending)
		if ind.Visible() {
			fmt.Printf("   Indicator: %s\n", ui.RenderWarn(ind.Text()))
		}
		fmt.Printf("   Backend: %s\n", backendName(a.cfg))
		fmt.Printf("   Database: %s\n\n", a.store.Path())
		return nil
	},
}

func backendName(cfg *config.Config) string {
	switch {
	case cfg.Remote.URL != "":
		return cfg.Remote.URL
	case cfg.Remote.LocalDB != "":
		return "local " + cfg.Remote.LocalDB
	}
	return ui.RenderMuted("none")
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/sitex/warehouse/internal/offline/schema"
	"github.com/sitex/warehouse/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage pending changes",
	Long: `Inspect the local queue of changes waiting to be synced.

Changes are listed oldest first, which is the order they will be replayed.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending changes",
	Long: `List pending changes in replay order.

Examples:
  warehouse queue list
  warehouse queue list --since "2 hours ago"
  warehouse queue list --since yesterday --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")

		var cutoff time.Time
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			cutoff = t
		}

		a, err := openApp(quietLog())
		if err != nil {
			return err
		}
		defer a.close()

		changes, err := a.queue.List(context.Background())
		if err != nil {
			return err
		}
		changes = filterSince(changes, cutoff)

		if jsonOutput {
			if changes == nil {
				changes = []schema.PendingChange{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(changes)
		}

		if len(changes) == 0 {
			fmt.Printf("%s No pending changes\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Printf("\n%s %d pending change(s)\n\n", ui.RenderAccent("📋"), len(changes))
		for _, c := range changes {
			at := time.UnixMilli(c.Timestamp).Format(time.DateTime)
			fmt.Printf("   %s  %-16s %s  %s\n", ui.RenderMuted(at), c.Kind, c.ID, summarize(c))
		}
		fmt.Println()
		return nil
	},
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(quietLog())
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.queue.Len(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			fmt.Printf("{\"pending\": %d}\n", n)
			return nil
		}
		fmt.Println(n)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending change",
	Long: `Discard every pending change without syncing it.

Discarded edits are lost. Without --yes, asks for confirmation when run
from a terminal and refuses otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		a, err := openApp(quietLog())
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		n, err := a.queue.Len(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Printf("%s No pending changes\n", ui.RenderPass("✓"))
			return nil
		}

		if !yes {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("refusing to discard %d change(s) without --yes", n)
			}
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Discard %d pending change(s)?", n)).
				Description("They will never reach the server.").
				Affirmative("Discard").
				Negative("Keep").
				Value(&yes).
				Run()
			if err != nil {
				return err
			}
			if !yes {
				fmt.Println("Kept pending changes")
				return nil
			}
		}

		if err := a.queue.Clear(ctx); err != nil {
			return err
		}
		fmt.Printf("%s Discarded %d pending change(s)\n", ui.RenderWarn("⚠"), n)
		return nil
	},
}

// parseSince accepts natural language ("2 hours ago", "yesterday") or
// RFC 3339.
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: no time found", text)
	}
	return r.Time, nil
}

func filterSince(changes []schema.PendingChange, cutoff time.Time) []schema.PendingChange {
	if cutoff.IsZero() {
		return changes
	}
	var out []schema.PendingChange
	for _, c := range changes {
		if !time.UnixMilli(c.Timestamp).Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// summarize renders the interesting fields of a change on one line.
func summarize(c schema.PendingChange) string {
	switch c.Kind {
	case schema.KindQuantityAdjust:
		if q, err := schema.DecodeQuantityAdjust(c); err == nil {
			return fmt.Sprintf("product=%s quantity=%d", q.ProductID, q.NewQuantity)
		}
	case schema.KindProductUpdate:
		if p, err := schema.DecodeProductUpdate(c); err == nil {
			keys := make([]string, 0, len(p.Updates))
			for k := range p.Updates {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return fmt.Sprintf("product=%s fields=%s", p.ProductID, strings.Join(keys, ","))
		}
	case schema.KindRequestCreate:
		if r, err := schema.DecodeRequestCreate(c); err == nil {
			return fmt.Sprintf("product=%s quantity=%d", r.ProductID, r.QuantityRequested)
		}
	}
	return string(c.Data)
}

func init() {
	queueListCmd.Flags().String("since", "", `Only changes made since this time ("2 hours ago", RFC 3339)`)
	queueClearCmd.Flags().BoolP("yes", "y", false, "Discard without asking")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCountCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}

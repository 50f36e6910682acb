package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sitex/warehouse/internal/offline/capture"
	"github.com/sitex/warehouse/internal/ui"
)

var adjustCmd = &cobra.Command{
	Use:     "adjust <product-id> <delta>",
	GroupID: "edit",
	Short:   "Change a product's stock by delta",
	Long: `Change a product's stock by delta and record an inventory history entry.

The new quantity is computed from the last confirmed quantity with every
queued change for the product applied, so consecutive offline adjustments
build on each other.

Examples:
  warehouse adjust p1 5 --note "restock"
  warehouse adjust p1 -- -2`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")

		delta, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("delta must be an integer, got %q", args[1])
		}

		return runCapture(func(ctx context.Context, rec *capture.Recorder) (capture.Outcome, error) {
			return rec.AdjustQuantity(ctx, args[0], delta, note)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <product-id> <field=value>...",
	GroupID: "edit",
	Short:   "Update product fields",
	Long: `Update one or more product fields.

Values are read as YAML scalars: 12 is a number, true a boolean, null
clears the field, anything else is a string.

Examples:
  warehouse update p1 location=A-03 is_low_stock=false
  warehouse update p1 "name=Blue widget"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}

		return runCapture(func(ctx context.Context, rec *capture.Recorder) (capture.Outcome, error) {
			return rec.UpdateProduct(ctx, args[0], updates)
		})
	},
}

var requestCmd = &cobra.Command{
	Use:     "request <product-id> <quantity>",
	GroupID: "edit",
	Short:   "Request stock of a product from the warehouse",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")

		qty, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("quantity must be an integer, got %q", args[1])
		}

		return runCapture(func(ctx context.Context, rec *capture.Recorder) (capture.Outcome, error) {
			return rec.CreateRequest(ctx, args[0], qty, group)
		})
	},
}

// runCapture opens the app, records one edit and reports where it went.
func runCapture(edit func(context.Context, *capture.Recorder) (capture.Outcome, error)) error {
	a, err := openApp(quietLog())
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	online, source := a.initialOnline(ctx)
	rec, err := a.recorder(online, quietLog())
	if err != nil {
		return err
	}

	out, err := edit(ctx, rec)
	if err != nil {
		return err
	}

	pending, err := a.queue.Len(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"queued":  out.Queued,
			"change":  out.Change,
			"pending": pending,
		})
	}

	if !out.Queued {
		fmt.Printf("%s Applied\n", ui.RenderPass("✓"))
		return nil
	}
	reason := "offline"
	switch {
	case source != "" && !online:
		reason = "offline (" + source + ")"
	case online:
		reason = "queued behind earlier changes or backend unreachable"
	}
	fmt.Printf("%s Queued %s %s: %s\n", ui.RenderWarn("⏸"), out.Change.Kind, out.Change.ID, reason)
	fmt.Printf("   %d changes pending\n", pending)
	return nil
}

// parseAssignments turns field=value arguments into an update map.
func parseAssignments(args []string) (map[string]any, error) {
	updates := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		if value == nil && raw != "null" && raw != "~" {
			// Empty input decodes to nil; keep it as the empty string.
			value = raw
		}
		updates[key] = value
	}
	return updates, nil
}

func init() {
	adjustCmd.Flags().StringP("note", "n", "", "Note for the inventory history entry")
	requestCmd.Flags().StringP("group", "g", "", "Group the request belongs to")

	rootCmd.AddCommand(adjustCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(requestCmd)
}

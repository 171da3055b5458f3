package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh"
	"github.com/hupe1980/flowmesh/core"
)

// newStatusCmd creates the "flowmesh status" subcommand.
func newStatusCmd(g *globalFlags) *cobra.Command {
	var (
		asJSON   bool
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "status [EXECUTION]",
		Short: "Show executions",
		Long:  "Without an argument lists executions, optionally filtered by --status.\nWith an execution id prints its status and open waits.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withMesh(cmd, func(ctx context.Context, m *flowmesh.Mesh) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					if !asJSON {
						return printSummary(ctx, out, m, args[0])
					}
					exec, err := m.Get(ctx, args[0])
					if err != nil {
						return err
					}
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(exec)
				}

				filter := make([]core.Status, len(statuses))
				for i, s := range statuses {
					filter[i] = core.Status(s)
				}
				execs, err := m.List(ctx, filter...)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSCRIPT\tSTATUS\tUPDATED")
				for _, e := range execs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.ScriptName, e.Status, e.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full execution as JSON")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (running, waiting, completed, failed, timed_out, cancelled)")
	return cmd
}

// newCancelCmd creates the "flowmesh cancel" subcommand.
func newCancelCmd(g *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel EXECUTION",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withMesh(cmd, func(ctx context.Context, m *flowmesh.Mesh) error {
				if err := m.Cancel(ctx, args[0], reason); err != nil {
					return err
				}
				return printSummary(ctx, cmd.OutOrStdout(), m, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from the command line", "cancellation reason")
	return cmd
}

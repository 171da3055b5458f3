package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh"
	"github.com/hupe1980/flowmesh/core"
)

// newPublishCmd creates the "flowmesh publish" subcommand.
func newPublishCmd(g *globalFlags) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "publish EVENT",
		Short: "Publish an event",
		Long:  "Publishes EVENT to waiting branches, WHEN triggers and event-triggered\nsession bots. --payload is parsed as JSON when possible.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if payload != "" {
				body = parseValue(payload)
			}
			return g.withMesh(cmd, func(ctx context.Context, m *flowmesh.Mesh) error {
				n, err := m.Publish(ctx, args[0], body)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "event %s delivered to %d receivers\n", args[0], n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "event payload (JSON or plain text)")
	return cmd
}

// newApproveCmd creates the "flowmesh approve" subcommand.
func newApproveCmd(g *globalFlags) *cobra.Command {
	var (
		reject   bool
		escalate bool
		by       string
		comment  string
	)
	cmd := &cobra.Command{
		Use:   "approve EXECUTION NAME",
		Short: "Decide a pending human approval",
		Long:  "Approves the approval wait NAME of EXECUTION, or rejects or escalates it\nwith --reject or --escalate. NAME is the approval variable, e.g. approval_2.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reject && escalate {
				return fmt.Errorf("--reject and --escalate are mutually exclusive")
			}
			d := core.Decision{Status: core.ApprovalApproved, DecidedBy: by, Comment: comment}
			switch {
			case reject:
				d.Status = core.ApprovalRejected
			case escalate:
				d.Status = core.ApprovalEscalated
			}
			return g.withMesh(cmd, func(ctx context.Context, m *flowmesh.Mesh) error {
				if err := m.Approve(ctx, args[0], args[1], d); err != nil {
					return err
				}
				return printSummary(ctx, cmd.OutOrStdout(), m, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().BoolVar(&escalate, "escalate", false, "escalate instead of approve")
	cmd.Flags().StringVar(&by, "by", "", "approver identity (defaults to the requested approver)")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}

// newInputCmd creates the "flowmesh input" subcommand.
func newInputCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "input EXECUTION VARIABLE TEXT",
		Short: "Answer a pending HEAR",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withMesh(cmd, func(ctx context.Context, m *flowmesh.Mesh) error {
				res, err := m.SubmitInput(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Valid {
					v, _ := json.Marshal(res.Value)
					fmt.Fprintf(out, "accepted %s = %s\n", args[1], v)
				} else {
					fmt.Fprintf(out, "rejected: %s\n", res.Message)
				}
				return printSummary(ctx, out, m, args[0])
			})
		},
	}
}

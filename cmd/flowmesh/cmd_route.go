package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh"
	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/router"
)

// newJoinCmd creates the "flowmesh join" subcommand.
func newJoinCmd(g *globalFlags) *cobra.Command {
	var (
		priority int
		leave    bool
		trigger  core.Trigger
		kind     string
	)
	cmd := &cobra.Command{
		Use:   "join SESSION BOT",
		Short: "Activate a bot in a session",
		Long:  "Activates BOT in SESSION with a trigger and priority, or deactivates it\nwith --leave.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := core.ParseTriggerKind(kind)
			if !ok {
				return fmt.Errorf("unknown trigger %q", kind)
			}
			trigger.Kind = k
			return g.withMesh(cmd, func(ctx context.Context, m *flowmesh.Mesh) error {
				out := cmd.OutOrStdout()
				if leave {
					if err := m.Leave(ctx, args[0], args[1]); err != nil {
						return err
					}
					fmt.Fprintf(out, "%s left %s\n", args[1], args[0])
					return nil
				}
				sb, err := m.Join(ctx, args[0], core.Bot{Name: args[1], Trigger: trigger, Priority: priority, Active: true})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s joined %s (trigger %s, priority %d)\n", sb.Name(), sb.SessionID, sb.EffectiveTrigger().Kind, sb.Priority)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&priority, "priority", 0, "response priority; higher responds first")
	f.BoolVar(&leave, "leave", false, "deactivate the bot instead")
	f.StringVar(&kind, "trigger", string(core.TriggerAlways), "trigger kind: always, keyword, tool, schedule, event")
	f.StringSliceVar(&trigger.Keywords, "keyword", nil, "keywords for the keyword trigger")
	f.StringVar(&trigger.Tool, "tool", "", "tool name for the tool trigger")
	f.StringVar(&trigger.Schedule, "schedule", "", "cron expression for the schedule trigger")
	f.StringVar(&trigger.Event, "event", "", "event name for the event trigger")
	return cmd
}

// newRouteCmd creates the "flowmesh route" subcommand.
func newRouteCmd(g *globalFlags) *cobra.Command {
	var (
		dispatch bool
		author   string
		tool     string
	)
	cmd := &cobra.Command{
		Use:   "route SESSION TEXT",
		Short: "Show which bots respond to a message",
		Long:  "Lists the bots of SESSION that respond to TEXT in response order.\nWith --dispatch the bots are invoked and their replies printed.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := router.Inbound{SessionID: args[0], Author: author, Text: args[1], Tool: tool}
			return g.withMesh(cmd, func(ctx context.Context, m *flowmesh.Mesh) error {
				out := cmd.OutOrStdout()
				if !dispatch {
					bots, err := m.Route(ctx, in)
					if err != nil {
						return err
					}
					for i, b := range bots {
						fmt.Fprintf(out, "%d. %s (trigger %s, priority %d)\n", i+1, b.Name(), b.EffectiveTrigger().Kind, b.Priority)
					}
					return nil
				}
				responses, err := m.Dispatch(ctx, in)
				if err != nil {
					return err
				}
				for _, r := range responses {
					if r.Err != nil {
						fmt.Fprintf(out, "%s: error: %v\n", r.Bot, r.Err)
						continue
					}
					fmt.Fprintf(out, "%s: %s\n", r.Bot, r.Output.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "invoke the matched bots")
	cmd.Flags().StringVar(&author, "author", "user", "message author")
	cmd.Flags().StringVar(&tool, "tool", "", "tool invocation carried by the message")
	return cmd
}

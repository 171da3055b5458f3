package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh"
	"github.com/hupe1980/flowmesh/script"
)

// newRunCmd creates the "flowmesh run" subcommand.
func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		vars    []string
		session string
	)
	cmd := &cobra.Command{
		Use:   "run SCRIPT",
		Short: "Start an execution",
		Long: "Starts SCRIPT, either a script file or the name of a script in the\n" +
			"scripts directory, and runs it until it completes or suspends.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := parseVars(vars)
			if err != nil {
				return err
			}
			return g.withMesh(cmd, func(ctx context.Context, m *flowmesh.Mesh) error {
				name := args[0]
				if data, err := os.ReadFile(name); err == nil {
					def, err := m.Compile(script.NameFromPath(name), string(data))
					if err != nil {
						return err
					}
					name = def.Name
				}
				id, err := m.Start(ctx, name, session, initial)
				if err != nil {
					return err
				}
				return printSummary(ctx, cmd.OutOrStdout(), m, id)
			})
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "initial variable as key=value (value parsed as JSON when possible)")
	cmd.Flags().StringVar(&session, "session", "", "session id")
	return cmd
}

// parseVars turns key=value pairs into variables. Values that parse as JSON
// keep their JSON type; anything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", p)
		}
		vars[strings.TrimSpace(k)] = parseValue(v)
	}
	return vars, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// printSummary prints the status line of an execution and its open waits.
func printSummary(ctx context.Context, w io.Writer, m *flowmesh.Mesh, id string) error {
	exec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "execution %s %s\n", exec.ID, exec.Status)
	if exec.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", exec.Reason)
	}
	for _, ws := range m.OpenWaits(id) {
		line := fmt.Sprintf("  waiting: %s %s", ws.Kind, ws.Name)
		if !ws.Deadline.IsZero() {
			line += " until " + ws.Deadline.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

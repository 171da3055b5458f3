package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh/script"
)

// newCompileCmd creates the "flowmesh compile" subcommand.
func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile FILE...",
		Short: "Check scripts for syntax errors",
		Long:  "Compiles each script and reports its branch and step counts or the\nfirst syntax error with its line number.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				def, err := script.Compile(script.NameFromPath(path), string(data))
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				steps := 0
				for _, b := range def.Branches {
					steps += len(b.Steps)
				}
				fmt.Fprintf(out, "%s: ok (%s, %d branches, %d steps, %d triggers)\n",
					path, def.Name, len(def.Branches), steps, len(def.Triggers))
			}
			return errors.Join(errs...)
		},
	}
}

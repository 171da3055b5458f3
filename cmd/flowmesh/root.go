package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh"
	"github.com/hupe1980/flowmesh/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dbPath     string
	scriptsDir string
	logLevel   string
	logFormat  string
}

// newRootCmd creates the root flowmesh command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "flowmesh",
		Short: "Workflow and multi-agent orchestration engine",
		Long: "flowmesh compiles workflow scripts and runs them as durable executions.\n" +
			"State lives in the configured store, so executions started by one\n" +
			"invocation can be approved, fed input or cancelled by the next.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "config file (YAML or TOML)")
	pf.StringVar(&g.dbPath, "db", "", "SQLite database path (selects the sqlite store)")
	pf.StringVar(&g.scriptsDir, "scripts", "", "directory of scripts to load")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: json or text (default text on a terminal)")

	cmd.AddCommand(
		newCompileCmd(),
		newRunCmd(g),
		newStatusCmd(g),
		newCancelCmd(g),
		newPublishCmd(g),
		newApproveCmd(g),
		newInputCmd(g),
		newJoinCmd(g),
		newRouteCmd(g),
		newWatchCmd(g),
	)
	return cmd
}

// loadConfig reads the config file and applies the command line overrides.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = g.dbPath
	}
	if g.scriptsDir != "" {
		cfg.Scripts.Dir = g.scriptsDir
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	switch {
	case g.logFormat != "":
		cfg.Log.Format = g.logFormat
	case isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()):
		cfg.Log.Format = "text"
	}
	return cfg, cfg.Validate()
}

// openMesh builds a Mesh from the configuration and recovers the executions
// left behind by earlier invocations. TALK messages go to out.
func (g *globalFlags) openMesh(ctx context.Context, out io.Writer) (*flowmesh.Mesh, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	m, err := flowmesh.FromConfig(ctx, cfg, func(o *flowmesh.Options) {
		o.Transport = &writerTransport{w: out}
		if o.LLM != nil {
			o.Handler = &llmBotHandler{llm: o.LLM}
		}
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.Recover(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("recover executions: %w", err)
	}
	return m, nil
}

// withMesh opens a Mesh for the duration of fn.
func (g *globalFlags) withMesh(cmd *cobra.Command, fn func(ctx context.Context, m *flowmesh.Mesh) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := g.openMesh(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, m)
}

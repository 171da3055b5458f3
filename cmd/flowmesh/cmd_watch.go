package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh"
	"github.com/hupe1980/flowmesh/script"
)

// newWatchCmd creates the "flowmesh watch" subcommand.
func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the engine in the foreground",
		Long: "Recovers executions and keeps running: wait deadlines are swept,\n" +
			"schedule triggers fire, NATS events are bridged, the scripts directory\n" +
			"is reloaded on change and metrics are served when enabled.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			m, err := flowmesh.FromConfig(ctx, cfg, func(o *flowmesh.Options) {
				o.Transport = &writerTransport{w: out}
				if o.LLM != nil {
					o.Handler = &llmBotHandler{llm: o.LLM}
				}
			})
			if err != nil {
				return err
			}
			defer m.Close()

			n, err := m.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover executions: %w", err)
			}
			if err := m.Run(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "flowmesh running: %d executions recovered, %d scripts\n", n, len(m.Scripts().Names()))

			if cfg.Scripts.Dir != "" && cfg.Scripts.Watch {
				w, err := m.Watch(ctx, cfg.Scripts.Dir, cfg.Scripts.Pattern, func(c script.Change) {
					fmt.Fprintf(out, "script %s %s\n", c.Name, c.Op)
				})
				if err != nil {
					return err
				}
				defer w.Stop()
			}

			if met := m.Metrics(); met != nil {
				srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: met.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			<-ctx.Done()
			fmt.Fprintln(out, "flowmesh stopping")
			return nil
		},
	}
}

// Package main is the entry point for the taskd service.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iannil/code-coder-sub001/internal/agents"
	"github.com/iannil/code-coder-sub001/internal/app"
	"github.com/iannil/code-coder-sub001/internal/config"
	"github.com/iannil/code-coder-sub001/internal/observability"
)

// version is set at build time using -ldflags.
var version = "dev"

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "taskd",
		Short:         "Remote agent task service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newServeCommand(), newAgentsCommand(out))
	return root
}

func newServeCommand() *cobra.Command {
	var opts struct {
		Addr       string
		AgentsFile string
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP task service",
		Long: `Run the HTTP task service.

Configuration is read from the environment (APP_*, TASK_*, EXECUTOR_*,
SESSION_*, AFFINITY_*, DATABASE_URL). Flags override the matching variables.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if strings.TrimSpace(opts.Addr) != "" {
				cfg.BindAddr = opts.Addr
			}
			if strings.TrimSpace(opts.AgentsFile) != "" {
				cfg.AgentsFile = opts.AgentsFile
			}

			logger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Close(context.Background()); err != nil {
					logger.Warn("cleanup failed", "error", err)
				}
			}()

			ln, err := net.Listen("tcp", cfg.BindAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
			}
			if err := res.Serve(ctx, ln); err != nil {
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	cmd.Flags().StringVar(&opts.AgentsFile, "agents-file", "", "YAML agent definitions (overrides AGENTS_FILE)")
	return cmd
}

func newAgentsCommand(out io.Writer) *cobra.Command {
	var agentsFile string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents tasks may target",
		RunE: func(_ *cobra.Command, _ []string) error {
			if strings.TrimSpace(agentsFile) == "" {
				agentsFile = os.Getenv("AGENTS_FILE")
			}
			registry, err := agents.Load(agentsFile)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODE\tDESCRIPTION")
			for _, a := range registry.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, a.Mode, a.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&agentsFile, "agents-file", "", "YAML agent definitions (overrides AGENTS_FILE)")
	return cmd
}

// ============================================================================
// Stork CLI - server and client commands
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for running the scheduler and talking to it
//
// Commands:
//   stork run                          start the scheduler (gRPC + HTTP)
//   stork submit SRC DEST | -f FILE    submit transfer jobs
//   stork q | status [RANGE]           query jobs
//   stork rm RANGE                     remove jobs
//   stork resume RANGE                 resume paused jobs
//   stork ls URI                       list a resource
//   stork delete URI                   delete a resource
//   stork info                         describe modules or the server
//   stork user register|login          manage the account
//   stork cred add|list|rm             manage stored credentials
//
// Client commands authenticate with --email and --password (or
// --pass-hash) on every call; env STORK_EMAIL / STORK_PASSWORD are used
// when the flags are empty.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/stork-queue/internal/controller"
	"github.com/ChuLiYu/stork-queue/internal/server"
)

const defaultConfigPath = "configs/default.yaml"

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	opts := &clientOptions{}

	rootCmd := &cobra.Command{
		Use:   "stork",
		Short: "Stork: a data-transfer job scheduler",
		Long: `Stork queues file transfers between storage systems and runs them
through pluggable transfer modules, retrying until they finish.

State survives restarts through a periodically dumped state file.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:9090", "scheduler gRPC address")
	rootCmd.PersistentFlags().StringVar(&opts.email, "email", "", "account email (env STORK_EMAIL)")
	rootCmd.PersistentFlags().StringVar(&opts.password, "password", "", "account password (env STORK_PASSWORD)")
	rootCmd.PersistentFlags().StringVar(&opts.passHash, "pass-hash", "", "pre-hashed account password")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "response format: yaml or json")

	rootCmd.AddCommand(buildRunCommand(opts))
	for _, cmd := range buildClientCommands(opts) {
		rootCmd.AddCommand(cmd)
	}
	return rootCmd
}

func buildRunCommand(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Stork scheduler",
		Long:  "Start the scheduler, restoring the state file, and serve gRPC, WebSocket and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configFile, !cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	return cmd
}

// runServer runs the scheduler until ctx is done or a server fails.
func runServer(ctx context.Context, cfg *Config) error {
	flush, err := setupLogging(cfg.Log.Development, cfg.Log.Verbosity)
	if err != nil {
		return err
	}
	defer flush()
	log := slog.With("component", "cli")

	ctrl, err := controller.New(cfg.Scheduler, controller.Options{WatchModules: cfg.Modules.Watch})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	gatherer := ctrl.Gatherer()
	if !cfg.Metrics.Enabled {
		gatherer = nil
	}
	srv := server.New(ctrl, gatherer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ServeGRPC(gctx, cfg.Server.GRPCAddr) })
	if cfg.Server.HTTPAddr != "" {
		g.Go(func() error { return srv.ServeHTTP(gctx, cfg.Server.HTTPAddr) })
	}
	log.Info("system started", "grpc", cfg.Server.GRPCAddr, "http", cfg.Server.HTTPAddr)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server failed, shutting down", "error", err)
		return err
	}
	log.Info("received shutdown signal, stopping gracefully")
	return nil
}

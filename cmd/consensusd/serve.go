package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/consensusd/internal/config"
	"github.com/fyrsmithlabs/consensusd/internal/engine"
	apihttp "github.com/fyrsmithlabs/consensusd/internal/http"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consensusd HTTP API",
		Long: `Start the HTTP API and block until interrupted. On SIGINT or SIGTERM every
run in progress is cancelled with reason system_shutdown and the server
drains within server.shutdown_timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

// run builds the engine and serves the HTTP API until ctx is cancelled.
//
//  1. Builds the engine (logging, telemetry, history, knowledge, events,
//     intelligence, pipeline)
//  2. Creates the HTTP server over the engine
//  3. Serves until ctx is cancelled, then cancels runs in progress
//  4. Closes the engine
func run(ctx context.Context, cfg *config.Config, opts ...engine.Option) error {
	opts = append([]engine.Option{engine.WithVersion(version)}, opts...)
	eng, err := engine.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil {
			eng.Logger.Warn(context.Background(), "engine close failed", zap.Error(cerr))
		}
		_ = eng.Logger.Sync()
	}()

	srv, err := apihttp.NewServer(eng, eng.Pools, eng.Logger.Zap(), &apihttp.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Stream: cfg.Pipeline.Stream,
		Meter:  eng.Telemetry.Meter("github.com/fyrsmithlabs/consensusd/internal/http"),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	eng.Logger.Info(ctx, "server configured",
		zap.String("addr", cfg.Server.Addr()),
		zap.Strings("profiles", eng.Profiles.Names()),
		zap.String("version", version),
		zap.String("commit", gitCommit))

	if err := srv.Start(ctx, cfg.Server.ShutdownTimeout.Duration()); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	eng.Logger.Info(context.Background(), "server shutdown complete")
	return nil
}

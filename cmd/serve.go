package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/renderpool/internal/observability"
	"github.com/xkilldash9x/renderpool/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve render requests over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.ServerCfg.Addr, _ = cmd.Flags().GetString("addr")
			}
			logger := observability.GetLogger()

			components, err := a.factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize fetch components: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server().ShutdownTimeout)
				defer cancel()
				_ = components.Shutdown(shutdownCtx)
			}()

			srv := server.New(cfg.Server(), components.Gate, components.Pool, logger,
				server.WithDownloader(components.Direct))
			if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (default from config)")
	return serveCmd
}

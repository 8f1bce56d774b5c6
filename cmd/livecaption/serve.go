package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session API and serve session artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			logger.Info("livecaption starting", "version", version, "config", ctx.configPath)

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.waitForLeader(runCtx); err != nil {
				return err
			}

			logger.Info("livecaption ready",
				"api", fmt.Sprintf("http://%s/api/v1/sessions", cfg.Server.Bind),
				"health", fmt.Sprintf("http://%s/health", cfg.Server.Bind),
			)

			// Start server (blocks until shutdown)
			if err := rt.server.Start(runCtx); err != nil {
				return err
			}
			logger.Info("livecaption stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "HTTP listen address (overrides server.bind)")
	return cmd
}

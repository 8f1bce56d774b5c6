package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agleyzer/livecaption/internal/session"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		id         string
		languages  []string
		sourceLang string
		bind       string
	)

	cmd := &cobra.Command{
		Use:   "run <source-url>",
		Short: "Run a single session and serve it until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			// The cluster is a serve concern; a single run stays local.
			cfg.Cluster.Enabled = false

			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			srvCtx, cancelSrv := context.WithCancel(runCtx)
			defer cancelSrv()
			srvErr := make(chan error, 1)
			go func() { srvErr <- rt.server.Start(srvCtx) }()

			sess, err := rt.sessions.Start(runCtx, session.Request{
				ID:             id,
				Source:         args[0],
				SourceLanguage: sourceLang,
				Languages:      languages,
			})
			if err != nil {
				cancelSrv()
				<-srvErr
				return err
			}

			logger.Info("session live",
				"session_id", sess.ID(),
				"master_url", fmt.Sprintf("http://%s/sessions/%s/master.m3u8", cfg.Server.Bind, sess.ID()),
				"dir", sess.Dir(),
			)

			select {
			case <-runCtx.Done():
				sess.Stop()
			case <-sess.Done():
			case err := <-srvErr:
				sess.Stop()
				return err
			}

			cancelSrv()
			if err := <-srvErr; err != nil {
				logger.Warn("http server shutdown failed", "error", err)
			}
			return sess.Err()
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Session id (default: generated)")
	cmd.Flags().StringSliceVarP(&languages, "lang", "l", nil, "Subtitle languages (overrides session.target_languages)")
	cmd.Flags().StringVar(&sourceLang, "source-lang", "", "Spoken language of the source")
	cmd.Flags().StringVar(&bind, "bind", "", "HTTP listen address (overrides server.bind)")
	return cmd
}

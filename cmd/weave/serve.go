package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/eleven-am/weave/internal/adapters/api"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its management API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := c.newManager(cmd)
			if err != nil {
				return err
			}
			cfg := m.Config()
			logger := cfg.Logger.With("component", "server")

			if err := m.Start(ctx); err != nil {
				_ = m.Stop(context.WithoutCancel(ctx))
				return err
			}

			services := api.Services{
				Definitions: m.Definitions(),
				Executions:  m.Executions(),
				Reviews:     m.Reviews(),
				History:     m,
				Health:      m.Health(),
			}
			if cfg.Server.EnableMetrics {
				services.Metrics = m.Metrics().Handler()
			}

			server := &http.Server{
				Addr:         cfg.Server.Address,
				Handler:      api.NewServer(services, cfg.Logger).Echo(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("listening", "address", cfg.Server.Address)
				serveErr <- server.ListenAndServe()
			}()

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("shutdown requested")
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					runErr = err
				}
			}

			shutdownCtx := context.WithoutCancel(ctx)
			if cfg.Server.ShutdownTimeout > 0 {
				var cancel context.CancelFunc
				shutdownCtx, cancel = context.WithTimeout(shutdownCtx, cfg.Server.ShutdownTimeout)
				defer cancel()
			}
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
			return errors.Join(runErr, m.Stop(context.WithoutCancel(ctx)))
		},
	}
}

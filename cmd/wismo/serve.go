package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wismo-triage/pkg/app"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP triage API and the handoff consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Port = port
			}
			logger := newLogger(cfg)

			logger.WithField("pod_id", cfg.PodID).Info("Starting WISMO triage service")

			service, err := app.NewService(cfg, logger)
			if err != nil {
				return err
			}
			defer service.Close()

			// Setup context for graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				select {
				case <-sigCh:
					logger.Info("Received shutdown signal")
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := service.Run(ctx); err != nil {
				logger.WithError(err).Error("Error during service shutdown")
				return err
			}

			logger.Info("WISMO triage service shutdown complete")
			return nil
		},
	}
	cmd.Flags().String("port", "", "Override PORT")
	return cmd
}

package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/app"
)

const stopTimeout = 2 * time.Minute

func newRunCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: scheduler, HTTP status surface and PID file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			fxApp := fx.New(app.Module(cfg, logger))
			if err := fxApp.Start(cmd.Context()); err != nil {
				return err
			}

			select {
			case sig := <-fxApp.Done():
				logger.Info("shutdown signal received", zap.String("signal", sig.String()))
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return fxApp.Stop(ctx)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address")
	_ = opts.v.BindPFlag("listen_address", cmd.Flags().Lookup("listen"))
	return cmd
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSweepCommand reconciles every pending session once and prints the report
func NewSweepCommand(root *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile pending sessions once and print the sweep report as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, root.Verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			report, sweepErr := a.engine.Sweep(ctx)

			closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancelClose()
			if err := a.Close(closeCtx); err != nil {
				logger.Warn("shutdown incomplete", zap.Error(err))
			}

			if sweepErr != nil {
				return fmt.Errorf("sweep failed: %w", sweepErr)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "upper bound for the whole sweep")
	return cmd
}

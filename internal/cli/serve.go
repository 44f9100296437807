package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	zpayhttp "github.com/zpay-labs/zpay/http"
	zpaymcp "github.com/zpay-labs/zpay/mcp"
)

// NewServeCommand runs the HTTP API and the periodic sweeper
func NewServeCommand(root *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the payment API and reconcile sessions in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger, err := newLogger(cfg.Log, root.Verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// serve blocks until ctx is done, then drains HTTP requests, background
// loops and event deliveries within server.shutdownTimeout
func (a *app) serve(ctx context.Context) error {
	if !a.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := []zpayhttp.Option{
		zpayhttp.WithLogger(a.log),
		zpayhttp.WithHealthCheck("zcash", a.pingZcash),
	}
	if a.solana != nil {
		opts = append(opts, zpayhttp.WithHealthCheck("solana", a.solana.Ping))
	}
	if feed := a.eventFeed(); feed != nil {
		opts = append(opts, zpayhttp.WithEventFeed(feed))
	}
	if a.metrics != nil {
		opts = append(opts, zpayhttp.WithMetricsHandler(a.metrics.Handler()))
	}
	if a.cfg.Server.EnableMCP {
		server := zpaymcp.NewServer(a.engine, zpaymcp.WithLogger(a.log))
		opts = append(opts, zpayhttp.WithMCPHandler(zpaymcp.Handler(server)))
	}

	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: zpayhttp.NewServer(a.engine, opts...).Handler(),
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.engine.Run(loopCtx, a.cfg.Payments.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		a.store.RunGC(loopCtx, a.cfg.Store.GCInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("zpay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		a.log.Error("http server failed", zap.Error(runErr))
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown incomplete", zap.Error(err))
	}
	stopLoops()
	wg.Wait()

	if err := a.Close(shutdownCtx); err != nil {
		a.log.Warn("shutdown incomplete", zap.Error(err))
	}
	return runErr
}

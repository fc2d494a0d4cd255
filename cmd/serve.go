package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/securecodehub/semgrep-hub/internal/api"
	"github.com/securecodehub/semgrep-hub/internal/metrics"
	"github.com/securecodehub/semgrep-hub/internal/pprof"
	"github.com/securecodehub/semgrep-hub/pkg/scan"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis and history API over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().String("addr", "", "API listen address (default from server.addr)")
	serveCmd.Flags().String("pprof-addr", "", "Optional pprof listen address")
	bindFlag(serveCmd.Flags(), "addr", "server.addr")
	bindFlag(serveCmd.Flags(), "pprof-addr", "server.pprof_addr")
	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := appFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, closeDB, err := openManager(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB()

	opts := api.Options{
		Analyzer:       newAnalyzer(cfg.Analyzer, logger),
		Manager:        manager,
		Collector:      metrics.FromContext(ctx, metrics.Namespace),
		Logger:         logger,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.Server.AnalyzeRate), cfg.Server.AnalyzeBurst),
		Stage:          scan.StageOptions{},
		TimeoutSeconds: cfg.Analyzer.Timeout,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}
	if cfg.Archive.Enabled() {
		store, err := newArchiver(cfg.Archive)
		if err != nil {
			return fmt.Errorf("error creating archiver: %w", err)
		}
		opts.Archiver = store
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(opts).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting API server", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", cfg.Server.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	if cfg.Server.PprofAddr != "" {
		g.Go(func() error {
			return pprof.StartPprofServer(gctx, cfg.Server.PprofAddr, logger)
		})
	}
	return g.Wait()
}

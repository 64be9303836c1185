package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/agentgov/pkg/config"
	"github.com/polisai/agentgov/pkg/telemetry"
)

const defaultShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governance layer and its admin API",
		Long: `Run the governance layer behind the admin HTTP API.

When --config is given the file is watched and strict mode, rate limits,
cache TTLs, timeouts and the bypass log capacity are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Admin listen address (overrides server.admin_address)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.AdminAddress = addr
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	adminSrv, err := a.adminServer()
	if err != nil {
		a.close()
		return err
	}
	server := adminSrv.NewHTTPServer(cfg.Server.AdminAddress)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin server listening",
			"addr", server.Addr,
			"strict_mode", cfg.Governance.StrictMode,
			"backend", a.router.Status().ActiveBackend,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout(cfg))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if path != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{Path: path, Logger: logger})
		if err != nil {
			logger.Warn("config watcher disabled", "error", err)
		} else {
			defer func() {
				if err := watcher.Close(); err != nil {
					logger.Error("failed to close config watcher", "error", err)
				}
			}()
			g.Go(func() error {
				watchConfig(gctx, watcher.Subscribe(), a, logger)
				return nil
			})
		}
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(cfg))
	defer cancel()
	errs := []error{runErr}
	if err := a.shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// watchConfig applies every published revision until ctx ends or the
// watcher closes.
func watchConfig(ctx context.Context, updates <-chan *config.Config, a *app, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			logger.Debug("configuration update received")
			a.apply(cfg)
		}
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

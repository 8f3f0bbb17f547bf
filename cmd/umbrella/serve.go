package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/umbrella-service/internal/cache"
	httphandler "github.com/kjstillabower/umbrella-service/internal/http"
	"github.com/kjstillabower/umbrella-service/internal/observability"
)

const (
	inFlightWaitTimeout   = 10 * time.Second
	inFlightCheckInterval = 100 * time.Millisecond
	startupWarmTimeout    = 30 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP prediction service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer func() { _ = observability.FlushTelemetry(context.Background(), logger) }()

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("config", zap.Error(err))
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup", zap.Error(err))
		return err
	}
	defer a.close()

	if cfg.ValidateAppIDOnStartup {
		if err := a.validateAppID(ctx); err != nil {
			logger.Error("openweather app id", zap.Error(err))
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.WarmCities) > 0 {
		warmer := cache.NewCacheWarmer(a.predictor, logger)
		warmCtx, warmCancel := context.WithTimeout(ctx, startupWarmTimeout)
		if err := warmer.Warm(warmCtx, cfg.WarmCities); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(ctx, cfg.WarmCities, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	healthConfig := &httphandler.HealthConfig{
		StartTime: time.Now(),
		CachePing: a.cachePing(),
	}
	handler := httphandler.NewHandler(a.predictor, httphandler.Defaults{
		City:      cfg.DefaultCity,
		Threshold: cfg.HumidityThreshold,
	}, healthConfig, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		AdminEnabled:   cfg.AdminEnabled,
		InFlight:       inFlight,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("default_city", cfg.DefaultCity),
			zap.Float64("humidity_threshold", cfg.HumidityThreshold),
			zap.Duration("cache_ttl", cfg.CacheTTL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), inFlightWaitTimeout)
	defer waitCancel()
	if err := inFlight.WaitForZero(waitCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	logger.Info("shutdown complete")
	return nil
}

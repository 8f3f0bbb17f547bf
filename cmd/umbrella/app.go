package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/umbrella-service/internal/cache"
	"github.com/kjstillabower/umbrella-service/internal/client"
	"github.com/kjstillabower/umbrella-service/internal/config"
	"github.com/kjstillabower/umbrella-service/internal/models"
	"github.com/kjstillabower/umbrella-service/internal/observability"
	"github.com/kjstillabower/umbrella-service/internal/predictor"
)

// app is the wiring shared by serve and predict.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	client    *client.OpenWeatherClient
	predictor *predictor.UmbrellaPredictor
	memory    *cache.MemoryStore[models.Forecast]
	memcached *cache.MemcachedStore[models.Forecast]
}

func newLogger(opts *rootOptions) (*zap.Logger, error) {
	if opts.verbose {
		return observability.NewLoggerWithLevel("DEBUG")
	}
	return observability.NewLogger()
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	if opts.configPath != "" {
		return config.LoadFrom(opts.configPath)
	}
	return config.Load()
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	weatherClient, err := client.NewOpenWeatherClient(cfg.OpenWeatherAppID, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		return nil, fmt.Errorf("weather client: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, client: weatherClient}

	var store cache.Store[models.Forecast]
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStore[models.Forecast](cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		a.memcached = mc
		store = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		a.memory = cache.NewMemoryStore[models.Forecast]()
		a.memory.Start()
		store = a.memory
		logger.Info("cache backend: in_memory")
	}

	cacheOpts := []cache.Option{cache.WithName("forecast"), cache.WithLogger(logger)}
	if cfg.CacheCoalesce {
		cacheOpts = append(cacheOpts, cache.WithCoalescing())
	}
	forecasts := cache.New[models.Forecast](store, cfg.CacheTTL, cacheOpts...)

	loc, cityTZ, err := cfg.PredictorLocation()
	if err != nil {
		return nil, err
	}
	predOpts := []predictor.Option{predictor.WithLogger(logger)}
	if cityTZ {
		predOpts = append(predOpts, predictor.WithCityTimezone())
	} else {
		predOpts = append(predOpts, predictor.WithLocation(loc))
	}
	a.predictor = predictor.NewUmbrellaPredictor(weatherClient, forecasts, predOpts...)

	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}
	return a, nil
}

func (a *app) validateAppID(ctx context.Context) error {
	if err := a.client.ValidateAppID(ctx, a.cfg.DefaultCity); err != nil {
		return err
	}
	a.logger.Info("openweather app id accepted")
	return nil
}

// cachePing returns a reachability check for external stores, or nil for in-memory.
func (a *app) cachePing() func() error {
	if a.memcached == nil {
		return nil
	}
	return a.memcached.Ping
}

func (a *app) close() {
	if a.memory != nil {
		_ = a.memory.Close()
	}
	if a.memcached != nil {
		if err := a.memcached.Close(); err != nil {
			a.logger.Error("memcached close", zap.Error(err))
		}
	}
}

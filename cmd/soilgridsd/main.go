// SPDX-License-Identifier: MIT

// Command soilgridsd is the long-running service: it keeps the derived
// field capacity and wilting point rasters fresh and serves them over
// HTTP.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/api"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/cache"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/config"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/daemon"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/health"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/jobs"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/log"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/soilgrids"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/store"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/telemetry"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/zenodo"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{
		Level:   "info",
		Service: "soilgrids",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("path", *configPath).
			Msg("failed to load configuration")
	}

	if err := run(ctx, cfg, loader, *configPath, logger); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
	}
}

func run(ctx context.Context, cfg config.AppConfig, loader *config.Loader, configPath string, logger zerolog.Logger) error {
	if err := config.PerformStartupChecks(ctx, cfg); err != nil {
		return fmt.Errorf("startup checks: %w", err)
	}

	targetGrid, err := cfg.Grid.ToGrid()
	if err != nil {
		return fmt.Errorf("target grid: %w", err)
	}
	resampling, err := raster.ParseResampling(cfg.Resampling)
	if err != nil {
		return err
	}

	logger.Info().
		Str("event", "daemon.starting").
		Str("grid", targetGrid.String()).
		Str("resampling", string(resampling)).
		Str("listen", cfg.ListenAddr).
		Msg("starting soilgridsd")

	tracer, err := telemetry.NewProvider(ctx, cfg.Tracing, cfg.LogService, cfg.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	rasterCache, err := cache.Open(cfg.CacheBackend, cfg.CacheDir, cache.RedisConfig(cfg.Redis), log.WithComponent("cache"))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	var history *store.History
	if cfg.HistoryDB != "" {
		history, err = store.Open(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
	}

	downloader := zenodo.New(zenodo.Options{
		Timeout:        cfg.DownloadTimeout,
		Retries:        cfg.DownloadRetries,
		RateLimitBytes: cfg.DownloadRateLimit,
		Logger:         log.WithComponent("zenodo"),
	})

	service := soilgrids.New(soilgrids.Options{
		SourceDir:        cfg.SourceDir,
		FieldCapacityURL: cfg.FieldCapacityURL,
		WiltingPointURL:  cfg.WiltingPointURL,
		Resampling:       resampling,
		Downloader:       downloader,
		Cache:            rasterCache,
		CacheTTL:         cfg.CacheTTL,
		Logger:           log.Base(),
	})

	refresher := jobs.New(jobs.Options{
		Fetcher:    service,
		History:    history,
		DataDir:    cfg.DataDir,
		Grid:       targetGrid,
		Resampling: resampling,
		Logger:     log.Base(),
	})

	healthManager := health.NewManager(cfg.Version)
	healthManager.RegisterChecker(health.NewDirChecker("data_dir", cfg.DataDir))
	for _, product := range soilgrids.Products() {
		healthManager.RegisterChecker(health.NewArtifactChecker(
			string(product)+"_artifact", refresher.ArtifactPath(product)))
	}
	healthManager.RegisterChecker(health.NewRefreshChecker(staleAfter(cfg), func() (time.Time, string) {
		return lastRefresh(ctx, refresher, history)
	}))

	apiServer := api.New(api.Options{
		Refresher:   refresher,
		Health:      healthManager,
		History:     history,
		Cache:       rasterCache,
		DataDir:     cfg.DataDir,
		Version:     cfg.Version,
		BaseContext: ctx,
		Logger:      log.Base(),
	})

	deps := daemon.Deps{
		APIHandler:      apiServer.Router(),
		ListenAddr:      cfg.ListenAddr,
		RefreshInterval: cfg.RefreshInterval,
		ShutdownTimeout: 30 * time.Second,
		Logger:          log.Base(),
	}
	if cfg.MetricsEnabled {
		deps.MetricsHandler = promhttp.Handler()
		deps.MetricsAddr = cfg.MetricsAddr
	}
	if cfg.RefreshInterval > 0 {
		deps.Refresh = func(ctx context.Context) error {
			_, err := refresher.Refresh(ctx)
			return err
		}
	}

	manager, err := daemon.NewManager(deps)
	if err != nil {
		return err
	}
	manager.RegisterShutdownHook("tracing", tracer.Shutdown)
	manager.RegisterShutdownHook("cache", func(context.Context) error {
		return rasterCache.Close()
	})
	if history != nil {
		manager.RegisterShutdownHook("history", func(context.Context) error {
			return history.Close()
		})
	}

	watchConfig(ctx, cfg, loader, configPath, logger)

	if cfg.InitialRefresh {
		go func() {
			if _, err := refresher.Refresh(ctx); err != nil {
				logger.Error().
					Err(err).
					Str("event", "refresh.initial_failed").
					Msg("initial refresh failed")
			}
		}()
	}

	return manager.Start(ctx)
}

// watchConfig hot-reloads the config file and reacts to SIGHUP. Only
// log level changes take effect at runtime; anything else needs a
// restart and is logged as such.
func watchConfig(ctx context.Context, cfg config.AppConfig, loader *config.Loader, configPath string, logger zerolog.Logger) {
	if configPath == "" {
		return
	}

	holder := config.NewHolder(cfg, loader, configPath)
	if err := holder.Watch(ctx); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "config.watch_failed").
			Msg("config file watching disabled")
	}

	updates := make(chan config.AppConfig, 1)
	holder.Subscribe(updates)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(hup)
				return
			case <-hup:
				if err := holder.Reload(ctx); err != nil {
					logger.Error().
						Err(err).
						Str("event", "config.reload_failed").
						Msg("SIGHUP reload failed, keeping previous configuration")
				}
			case next := <-updates:
				logger.Info().
					Str("event", "config.reloaded").
					Str("log_level", next.LogLevel).
					Msg("configuration reloaded; server settings apply after restart")
				if lvl, err := zerolog.ParseLevel(next.LogLevel); err == nil {
					zerolog.SetGlobalLevel(lvl)
				}
			}
		}
	}()
}

// staleAfter marks readiness degraded once the last refresh is older than
// two refresh intervals. Without periodic refreshes artifacts never go
// stale.
func staleAfter(cfg config.AppConfig) time.Duration {
	if cfg.RefreshInterval <= 0 {
		return 0
	}
	return 2 * cfg.RefreshInterval
}

// lastRefresh prefers the in-memory state of the current process and
// falls back to the ledger, so readiness survives restarts.
func lastRefresh(ctx context.Context, refresher *jobs.Refresher, history *store.History) (time.Time, string) {
	if st := refresher.Status(); st.LastRun != nil {
		return st.LastRun.StartedAt, st.LastRun.Error
	}
	if history != nil {
		if run, err := history.LastSuccess(ctx); err == nil {
			return run.StartedAt, ""
		} else if !errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, err.Error()
		}
	}
	return time.Time{}, ""
}

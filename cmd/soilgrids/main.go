// SPDX-License-Identifier: MIT

// Command soilgrids is the one-shot exporter: it downloads the SoilGrids
// source layers (resuming partial downloads), derives field capacity and
// wilting point on the requested grid and writes both GeoTIFFs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/config"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/jobs"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/log"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/soilgrids"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/zenodo"
)

var version = "v0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	bbox := flag.String("bbox", "", "target bounding box as minLon,minLat,maxLon,maxLat (degrees)")
	cellSize := flag.Float64("cellsize", 0, "target cell size in degrees (default from config)")
	resampling := flag.String("resampling", "", "resampling method: nearest, bilinear or cubic (default from config)")
	workingDir := flag.String("working-dir", "", "working directory for downloads and output (default from config)")
	outDir := flag.String("out", "", "output directory for the product GeoTIFFs (default <working>/products)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	log.Configure(log.Config{
		Level:   "info",
		Service: "soilgrids",
		Version: version,
	})
	logger := log.WithComponent("cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *workingDir != "" {
		// The loader resolves SourceDir and DataDir relative to this.
		if err := os.Setenv("SOILGRIDS_WORKING_DIR", *workingDir); err != nil {
			logger.Fatal().Err(err).Msg("failed to set working directory")
		}
	}

	cfg, err := config.NewLoader(*configPath, version).Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Msg("failed to load configuration")
	}
	if err := applyFlags(&cfg, *bbox, *cellSize, *resampling, *outDir); err != nil {
		logger.Fatal().Err(err).Msg("invalid flags")
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Str("event", "export.failed").Msg("export failed")
	}
}

// applyFlags overlays command line flags on the loaded configuration.
func applyFlags(cfg *config.AppConfig, bbox string, cellSize float64, resampling, outDir string) error {
	if bbox != "" {
		minLon, minLat, maxLon, maxLat, err := parseBBox(bbox)
		if err != nil {
			return err
		}
		cfg.Grid.MinLon, cfg.Grid.MinLat = minLon, minLat
		cfg.Grid.MaxLon, cfg.Grid.MaxLat = maxLon, maxLat
	}
	if cellSize > 0 {
		cfg.Grid.CellSize = cellSize
	}
	if resampling != "" {
		cfg.Resampling = resampling
	}
	if outDir != "" {
		cfg.DataDir = outDir
	}
	return config.Validate(*cfg)
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	if err := config.PerformStartupChecks(ctx, cfg); err != nil {
		return fmt.Errorf("startup checks: %w", err)
	}

	targetGrid, err := cfg.Grid.ToGrid()
	if err != nil {
		return fmt.Errorf("target grid: %w (set -bbox or configure one)", err)
	}
	method, err := raster.ParseResampling(cfg.Resampling)
	if err != nil {
		return err
	}

	logger.Info().
		Str("event", "export.start").
		Str("grid", targetGrid.String()).
		Str("resampling", string(method)).
		Msg("exporting products")

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
		Resampling:       method,
		Downloader:       downloader,
		Logger:           log.Base(),
	})

	refresher := jobs.New(jobs.Options{
		Fetcher:    service,
		DataDir:    cfg.DataDir,
		Grid:       targetGrid,
		Resampling: method,
		Logger:     log.Base(),
	})

	result, err := refresher.Refresh(ctx)
	if err != nil {
		return err
	}

	for _, product := range soilgrids.Products() {
		fmt.Printf("%s: %s\n", product, refresher.ArtifactPath(product))
	}
	fmt.Printf("done in %s (%d bytes downloaded)\n",
		result.Duration.Round(10*time.Millisecond), result.BytesDownloaded)
	return nil
}

// parseBBox parses "minLon,minLat,maxLon,maxLat".
func parseBBox(s string) (minLon, minLat, maxLon, maxLat float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("bbox must have four comma-separated values, got %q", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("invalid bbox value %q: %w", p, err)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

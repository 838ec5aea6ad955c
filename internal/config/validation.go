// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
)

// Validate checks the resolved configuration for invalid combinations.
func Validate(cfg AppConfig) error {
	if _, err := raster.ParseResampling(cfg.Resampling); err != nil {
		return err
	}

	for name, raw := range map[string]string{
		"field capacity": cfg.FieldCapacityURL,
		"wilting point":  cfg.WiltingPointURL,
	} {
		if err := validateSourceURL(name, raw); err != nil {
			return err
		}
	}

	if !cfg.Grid.IsZero() {
		if _, err := raster.GridFromBounds(
			cfg.Grid.MinLon, cfg.Grid.MinLat,
			cfg.Grid.MaxLon, cfg.Grid.MaxLat,
			cfg.Grid.CellSize, 4326,
		); err != nil {
			return fmt.Errorf("grid: %w", err)
		}
		if cfg.Grid.MinLon < -180 || cfg.Grid.MaxLon > 180 ||
			cfg.Grid.MinLat < -90 || cfg.Grid.MaxLat > 90 {
			return fmt.Errorf("grid bounds [%g,%g]x[%g,%g] outside geographic range",
				cfg.Grid.MinLon, cfg.Grid.MaxLon, cfg.Grid.MinLat, cfg.Grid.MaxLat)
		}
	}

	switch cfg.CacheBackend {
	case "badger", "memory", "none":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("cache backend is redis but no redis address is configured")
		}
	default:
		return fmt.Errorf("unknown cache backend %q (want badger, redis, memory or none)", cfg.CacheBackend)
	}

	if cfg.DownloadRetries < 0 {
		return fmt.Errorf("download retries must not be negative, got %d", cfg.DownloadRetries)
	}
	if cfg.DownloadRateLimit < 0 {
		return fmt.Errorf("download rate limit must not be negative, got %d", cfg.DownloadRateLimit)
	}

	switch cfg.Tracing.Exporter {
	case "grpc", "http", "noop", "":
	default:
		return fmt.Errorf("unknown tracing exporter %q (want grpc, http or noop)", cfg.Tracing.Exporter)
	}

	return nil
}

func validateSourceURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s source URL is empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s source URL %q: %w", name, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported %s source URL scheme %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s source URL %q is missing host", name, raw)
	}
	return nil
}

// PerformStartupChecks verifies that the daemon can actually operate with the
// given configuration: directories exist (or can be created) and are writable.
// Fail fast here rather than on the first refresh.
func PerformStartupChecks(_ context.Context, cfg AppConfig) error {
	for _, dir := range []string{cfg.SourceDir, cfg.DataDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
		probe := filepath.Join(dir, ".write-probe")
		if err := os.WriteFile(probe, nil, 0o600); err != nil {
			return fmt.Errorf("directory %s is not writable: %w", dir, err)
		}
		_ = os.Remove(probe)
	}
	return nil
}

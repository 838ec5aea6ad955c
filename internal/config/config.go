// SPDX-License-Identifier: MIT

// Package config loads and validates service configuration with the
// precedence ENV > file > defaults.
package config

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
)

// Default Zenodo source URLs (record 2784001): volumetric water content at
// 33 kPa (field capacity) and 1500 kPa (wilting point), 250 m, 0 cm depth.
const (
	DefaultFieldCapacityURL = "https://zenodo.org/record/2784001/files/sol_watercontent.33kPa_usda.4b1c_m_250m_b0..0cm_1950..2017_v0.1.tif"
	DefaultWiltingPointURL  = "https://zenodo.org/record/2784001/files/sol_watercontent.1500kPa_usda.3c2a1a_m_250m_b0..0cm_1950..2017_v0.1.tif"
)

// GridConfig describes the target product grid as a geographic bounding box
// plus a square cell size in degrees.
type GridConfig struct {
	MinLon   float64 `yaml:"minLon"`
	MinLat   float64 `yaml:"minLat"`
	MaxLon   float64 `yaml:"maxLon"`
	MaxLat   float64 `yaml:"maxLat"`
	CellSize float64 `yaml:"cellSize"`
}

// IsZero reports whether no bounding box has been configured.
func (g GridConfig) IsZero() bool {
	return g.MinLon == 0 && g.MinLat == 0 && g.MaxLon == 0 && g.MaxLat == 0
}

// ToGrid converts the configured bounding box to a raster grid in EPSG:4326.
func (g GridConfig) ToGrid() (raster.Grid, error) {
	if g.IsZero() {
		return raster.Grid{}, errors.New("no target grid configured")
	}
	return raster.GridFromBounds(g.MinLon, g.MinLat, g.MaxLon, g.MaxLat, g.CellSize, 4326)
}

// RedisConfig holds the optional external cache tier settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"` // "grpc", "http" or "noop"
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
}

// AppConfig is the resolved application configuration.
type AppConfig struct {
	// Directories
	WorkingDir string // base for relative paths, default "."
	SourceDir  string // downloaded source GeoTIFFs, default <working>/SoilGrids_download
	DataDir    string // exported product artifacts, default <working>/products

	// Processing
	Resampling string // nearest, bilinear or cubic
	Grid       GridConfig

	// Download
	FieldCapacityURL  string
	WiltingPointURL   string
	DownloadTimeout   time.Duration
	DownloadRetries   int
	DownloadRateLimit int // bytes per second, 0 = unlimited

	// Refresh
	InitialRefresh  bool
	RefreshInterval time.Duration // 0 disables periodic refresh

	// Cache
	CacheBackend string // badger, redis, memory or none
	CacheDir     string
	CacheTTL     time.Duration
	Redis        RedisConfig

	// History
	HistoryDB string // sqlite path, empty disables the run ledger

	// Servers
	ListenAddr     string
	MetricsEnabled bool
	MetricsAddr    string

	// Observability
	LogLevel   string
	LogService string
	Tracing    TracingConfig

	// Set from the binary, not from file or environment.
	Version string
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		WorkingDir:       ".",
		Resampling:       "cubic",
		FieldCapacityURL: DefaultFieldCapacityURL,
		WiltingPointURL:  DefaultWiltingPointURL,
		DownloadTimeout:  30 * time.Minute,
		DownloadRetries:  4,
		InitialRefresh:   true,
		CacheBackend:     "badger",
		CacheTTL:         24 * time.Hour,
		ListenAddr:       ":8080",
		MetricsEnabled:   true,
		MetricsAddr:      ":9090",
		LogLevel:         "info",
		LogService:       "soilgrids",
		Grid:             GridConfig{CellSize: 0.01},
		Tracing: TracingConfig{
			Exporter:   "noop",
			SampleRate: 1.0,
		},
	}
}

// ResolveDirs fills the directory fields that derive from WorkingDir.
func (c *AppConfig) ResolveDirs() {
	if abs, err := filepath.Abs(c.WorkingDir); err == nil {
		c.WorkingDir = abs
	}
	if c.SourceDir == "" {
		c.SourceDir = filepath.Join(c.WorkingDir, "SoilGrids_download")
	} else if abs, err := filepath.Abs(c.SourceDir); err == nil {
		c.SourceDir = abs
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.WorkingDir, "products")
	} else if abs, err := filepath.Abs(c.DataDir); err == nil {
		c.DataDir = abs
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.WorkingDir, "cache")
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.DataDir, "history.db")
	}
}

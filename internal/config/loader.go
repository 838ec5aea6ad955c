// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML layout. Pointer fields distinguish "absent"
// from zero values so file settings only override what they actually set.
type fileConfig struct {
	WorkingDir *string `yaml:"workingDir"`
	SourceDir  *string `yaml:"sourceDir"`
	DataDir    *string `yaml:"dataDir"`
	Resampling *string `yaml:"resampling"`

	Grid *GridConfig `yaml:"grid"`

	Download *struct {
		FieldCapacityURL *string        `yaml:"fieldCapacityURL"`
		WiltingPointURL  *string        `yaml:"wiltingPointURL"`
		Timeout          *time.Duration `yaml:"timeout"`
		Retries          *int           `yaml:"retries"`
		RateLimitBytes   *int           `yaml:"rateLimitBytes"`
	} `yaml:"download"`

	Refresh *struct {
		Initial  *bool          `yaml:"initial"`
		Interval *time.Duration `yaml:"interval"`
	} `yaml:"refresh"`

	Cache *struct {
		Backend *string        `yaml:"backend"`
		Dir     *string        `yaml:"dir"`
		TTL     *time.Duration `yaml:"ttl"`
		Redis   *RedisConfig   `yaml:"redis"`
	} `yaml:"cache"`

	History *struct {
		Path *string `yaml:"path"`
	} `yaml:"history"`

	API *struct {
		ListenAddr *string `yaml:"listenAddr"`
	} `yaml:"api"`

	Metrics *struct {
		Enabled *bool   `yaml:"enabled"`
		Addr    *string `yaml:"addr"`
	} `yaml:"metrics"`

	Log *struct {
		Level   *string `yaml:"level"`
		Service *string `yaml:"service"`
	} `yaml:"log"`

	Tracing *TracingConfig `yaml:"tracing"`
}

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a configuration loader. An empty configPath skips the
// file layer.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves the configuration: defaults, then file, then environment.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		fc, err := loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fc)
	}

	mergeEnvConfig(&cfg)
	cfg.Version = l.version
	cfg.ResolveDirs()

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // reject typos instead of silently ignoring them

	var fc fileConfig
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

func mergeFileConfig(cfg *AppConfig, fc *fileConfig) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}

	setString(&cfg.WorkingDir, fc.WorkingDir)
	setString(&cfg.SourceDir, fc.SourceDir)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.Resampling, fc.Resampling)

	if fc.Grid != nil {
		cfg.Grid = *fc.Grid
		if cfg.Grid.CellSize == 0 {
			cfg.Grid.CellSize = Defaults().Grid.CellSize
		}
	}

	if d := fc.Download; d != nil {
		setString(&cfg.FieldCapacityURL, d.FieldCapacityURL)
		setString(&cfg.WiltingPointURL, d.WiltingPointURL)
		if d.Timeout != nil {
			cfg.DownloadTimeout = *d.Timeout
		}
		if d.Retries != nil {
			cfg.DownloadRetries = *d.Retries
		}
		if d.RateLimitBytes != nil {
			cfg.DownloadRateLimit = *d.RateLimitBytes
		}
	}

	if r := fc.Refresh; r != nil {
		if r.Initial != nil {
			cfg.InitialRefresh = *r.Initial
		}
		if r.Interval != nil {
			cfg.RefreshInterval = *r.Interval
		}
	}

	if c := fc.Cache; c != nil {
		setString(&cfg.CacheBackend, c.Backend)
		setString(&cfg.CacheDir, c.Dir)
		if c.TTL != nil {
			cfg.CacheTTL = *c.TTL
		}
		if c.Redis != nil {
			cfg.Redis = *c.Redis
		}
	}

	if h := fc.History; h != nil {
		setString(&cfg.HistoryDB, h.Path)
	}

	if a := fc.API; a != nil {
		setString(&cfg.ListenAddr, a.ListenAddr)
	}

	if m := fc.Metrics; m != nil {
		if m.Enabled != nil {
			cfg.MetricsEnabled = *m.Enabled
		}
		setString(&cfg.MetricsAddr, m.Addr)
	}

	if lg := fc.Log; lg != nil {
		setString(&cfg.LogLevel, lg.Level)
		setString(&cfg.LogService, lg.Service)
	}

	if fc.Tracing != nil {
		cfg.Tracing = *fc.Tracing
		if cfg.Tracing.Exporter == "" {
			cfg.Tracing.Exporter = Defaults().Tracing.Exporter
		}
		if cfg.Tracing.SampleRate == 0 {
			cfg.Tracing.SampleRate = Defaults().Tracing.SampleRate
		}
	}
}

// mergeEnvConfig applies environment overrides, the highest-priority layer.
func mergeEnvConfig(cfg *AppConfig) {
	cfg.WorkingDir = ParseString("SOILGRIDS_WORKING_DIR", cfg.WorkingDir)
	cfg.SourceDir = ParseString("SOILGRIDS_SOURCE_DIR", cfg.SourceDir)
	cfg.DataDir = ParseString("SOILGRIDS_DATA_DIR", cfg.DataDir)
	cfg.Resampling = ParseString("SOILGRIDS_RESAMPLING", cfg.Resampling)

	cfg.Grid.MinLon = ParseFloat("SOILGRIDS_GRID_MIN_LON", cfg.Grid.MinLon)
	cfg.Grid.MinLat = ParseFloat("SOILGRIDS_GRID_MIN_LAT", cfg.Grid.MinLat)
	cfg.Grid.MaxLon = ParseFloat("SOILGRIDS_GRID_MAX_LON", cfg.Grid.MaxLon)
	cfg.Grid.MaxLat = ParseFloat("SOILGRIDS_GRID_MAX_LAT", cfg.Grid.MaxLat)
	cfg.Grid.CellSize = ParseFloat("SOILGRIDS_GRID_CELL_SIZE", cfg.Grid.CellSize)

	cfg.FieldCapacityURL = ParseString("SOILGRIDS_FC_URL", cfg.FieldCapacityURL)
	cfg.WiltingPointURL = ParseString("SOILGRIDS_WP_URL", cfg.WiltingPointURL)
	cfg.DownloadTimeout = ParseDuration("SOILGRIDS_DOWNLOAD_TIMEOUT", cfg.DownloadTimeout)
	cfg.DownloadRetries = ParseInt("SOILGRIDS_DOWNLOAD_RETRIES", cfg.DownloadRetries)
	cfg.DownloadRateLimit = ParseInt("SOILGRIDS_DOWNLOAD_RATE_LIMIT", cfg.DownloadRateLimit)

	cfg.InitialRefresh = ParseBool("SOILGRIDS_INITIAL_REFRESH", cfg.InitialRefresh)
	cfg.RefreshInterval = ParseDuration("SOILGRIDS_REFRESH_INTERVAL", cfg.RefreshInterval)

	cfg.CacheBackend = ParseString("SOILGRIDS_CACHE_BACKEND", cfg.CacheBackend)
	cfg.CacheDir = ParseString("SOILGRIDS_CACHE_DIR", cfg.CacheDir)
	cfg.CacheTTL = ParseDuration("SOILGRIDS_CACHE_TTL", cfg.CacheTTL)
	cfg.Redis.Addr = ParseString("SOILGRIDS_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = ParseString("SOILGRIDS_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = ParseInt("SOILGRIDS_REDIS_DB", cfg.Redis.DB)

	cfg.HistoryDB = ParseString("SOILGRIDS_HISTORY_DB", cfg.HistoryDB)

	cfg.ListenAddr = ParseString("SOILGRIDS_LISTEN", cfg.ListenAddr)
	cfg.MetricsEnabled = ParseBool("SOILGRIDS_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsAddr = ParseString("SOILGRIDS_METRICS_ADDR", cfg.MetricsAddr)

	cfg.LogLevel = ParseString("SOILGRIDS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("SOILGRIDS_LOG_SERVICE", cfg.LogService)

	cfg.Tracing.Enabled = ParseBool("SOILGRIDS_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = ParseString("SOILGRIDS_TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.Endpoint = ParseString("SOILGRIDS_TRACING_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.SampleRate = ParseFloat("SOILGRIDS_TRACING_SAMPLE_RATE", cfg.Tracing.SampleRate)
}

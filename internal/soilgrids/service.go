// SPDX-License-Identifier: MIT

package soilgrids

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/cache"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/geotiff"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/metrics"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
)

// cubicMargin is the number of extra source cells read around the target
// bounds so the cubic kernel has full support at the edges.
const cubicMargin = 2

// Downloader fetches a source file and returns its local path.
type Downloader interface {
	Fetch(ctx context.Context, product, url, filename string) (string, error)
}

// Options configures a Service.
type Options struct {
	// SourceDir receives the downloaded source GeoTIFFs.
	SourceDir string
	// FieldCapacityURL and WiltingPointURL point at the Zenodo record files.
	FieldCapacityURL string
	WiltingPointURL  string
	// Resampling is the method used to map source cells onto target grids.
	Resampling raster.Resampling
	// Downloader fetches source files. Required.
	Downloader Downloader
	// Cache stores processed rasters keyed by product and grid. Optional;
	// nil disables caching.
	Cache cache.Store
	// CacheTTL bounds the lifetime of cached rasters. Zero keeps entries
	// until the backend evicts them.
	CacheTTL time.Duration
	Logger   zerolog.Logger
}

// Service derives soil water rasters on demand.
type Service struct {
	sourceDir  string
	resampling raster.Resampling
	downloader Downloader
	cache      cache.Store
	cacheTTL   time.Duration
	specs      map[Product]spec
	logger     zerolog.Logger
}

// New creates a Service. Fetch fails for a product whose URL is empty.
func New(opts Options) *Service {
	c := opts.Cache
	if c == nil {
		c = cache.NewNoop()
	}
	return &Service{
		sourceDir:  opts.SourceDir,
		resampling: opts.Resampling,
		downloader: opts.Downloader,
		cache:      c,
		cacheTTL:   opts.CacheTTL,
		specs: map[Product]spec{
			FieldCapacity: {url: opts.FieldCapacityURL, maskValue: 255, scale: 0.01, clipMin: 0, clipMax: 1},
			WiltingPoint:  {url: opts.WiltingPointURL, maskValue: 255, scale: 0.01, clipMin: 0, clipMax: 1},
		},
		logger: opts.Logger.With().Str("component", "soilgrids").Logger(),
	}
}

// FieldCapacity returns the field capacity raster on the target grid.
func (s *Service) FieldCapacity(ctx context.Context, target raster.Grid) (*raster.Raster, error) {
	return s.Fetch(ctx, FieldCapacity, target)
}

// WiltingPoint returns the wilting point raster on the target grid.
func (s *Service) WiltingPoint(ctx context.Context, target raster.Grid) (*raster.Raster, error) {
	return s.Fetch(ctx, WiltingPoint, target)
}

// SourcePath returns the local path the product's source file downloads to.
func (s *Service) SourcePath(product Product) (string, error) {
	sp, ok := s.specs[product]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}
	name, err := sourceFilename(sp.url)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.sourceDir, name), nil
}

// SourceURL returns the configured source URL for the product.
func (s *Service) SourceURL(product Product) (string, error) {
	sp, ok := s.specs[product]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}
	return sp.url, nil
}

// Fetch derives the product raster on the target grid. The source file is
// downloaded on first use; processed rasters are cached per grid and
// resampling method.
func (s *Service) Fetch(ctx context.Context, product Product, target raster.Grid) (*raster.Raster, error) {
	sp, ok := s.specs[product]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("target grid: %w", err)
	}

	ctx, span := otel.Tracer("soilgrids").Start(ctx, "soilgrids.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("soilgrids.product", string(product)),
		attribute.String("soilgrids.grid", target.Fingerprint()),
		attribute.String("soilgrids.resampling", string(s.resampling)),
	)

	key := cacheKey(product, target, s.resampling)
	if data, ok := s.cache.Get(ctx, key); ok {
		r, err := cache.DecodeRaster(data)
		if err == nil {
			metrics.IncCacheHit()
			return r, nil
		}
		// Corrupt entry: drop it and fall through to a fresh derivation.
		metrics.IncCacheError()
		s.cache.Delete(ctx, key)
		s.logger.Warn().
			Err(err).
			Str("event", "cache.corrupt").
			Str("product", string(product)).
			Msg("discarding corrupt cache entry")
	} else {
		metrics.IncCacheMiss()
	}

	r, err := s.derive(ctx, product, sp, target)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, key, cache.EncodeRaster(r), s.cacheTTL)
	return r, nil
}

func (s *Service) derive(ctx context.Context, product Product, sp spec, target raster.Grid) (*raster.Raster, error) {
	if sp.url == "" {
		return nil, fmt.Errorf("product %s has no source URL configured", product)
	}

	local, err := s.SourcePath(product)
	if err != nil {
		return nil, err
	}
	path, err := s.downloader.Fetch(ctx, string(product), sp.url, local)
	if err != nil {
		return nil, fmt.Errorf("fetch %s source: %w", product, err)
	}

	start := time.Now()

	f, err := geotiff.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", product, err)
	}
	defer func() { _ = f.Close() }()

	if src := f.Grid(); src.EPSG != target.EPSG {
		return nil, fmt.Errorf("source CRS EPSG:%d does not match target EPSG:%d", src.EPSG, target.EPSG)
	}

	minX, minY, maxX, maxY := target.Bounds()
	window, err := f.ReadBounds(minX, minY, maxX, maxY, cubicMargin)
	if err != nil {
		return nil, fmt.Errorf("read %s window: %w", product, err)
	}

	window.MaskEqual(sp.maskValue)
	window.Scale(sp.scale)
	window.Clip(sp.clipMin, sp.clipMax)

	out, err := window.ResampleTo(target, s.resampling)
	if err != nil {
		return nil, fmt.Errorf("resample %s: %w", product, err)
	}

	stats := out.Stats()
	metrics.ObserveProcess(string(product), time.Since(start))
	metrics.SetProductCellsValid(string(product), stats.Valid)
	s.logger.Info().
		Str("event", "product.derived").
		Str("product", string(product)).
		Str("grid", target.String()).
		Str("resampling", string(s.resampling)).
		Int("cells_valid", stats.Valid).
		Dur("duration", time.Since(start)).
		Msg("derived product raster")

	return out, nil
}

func cacheKey(product Product, g raster.Grid, m raster.Resampling) string {
	return fmt.Sprintf("%s:%s:%s", product, g.Fingerprint(), m)
}

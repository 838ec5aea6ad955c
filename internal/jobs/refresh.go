// SPDX-License-Identifier: MIT

// Package jobs orchestrates refresh runs: derive every product on the
// configured grid, write the artifacts atomically and record the run in
// the history ledger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/geotiff"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/metrics"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/soilgrids"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/store"
)

// ErrAlreadyRunning is returned when a refresh is requested while one is
// in flight.
var ErrAlreadyRunning = errors.New("refresh already running")

// Fetcher derives a product raster on the target grid.
type Fetcher interface {
	Fetch(ctx context.Context, product soilgrids.Product, target raster.Grid) (*raster.Raster, error)
	SourcePath(product soilgrids.Product) (string, error)
}

// Options configures a Refresher.
type Options struct {
	// Fetcher derives product rasters. Required.
	Fetcher Fetcher
	// History records finished runs. Optional; nil disables the ledger.
	History *store.History
	// DataDir receives the written artifacts.
	DataDir string
	// Grid is the target grid every product is derived on.
	Grid raster.Grid
	// Resampling is recorded with each run for the ledger.
	Resampling raster.Resampling
	Logger     zerolog.Logger
}

// Refresher runs refresh jobs, at most one at a time.
type Refresher struct {
	fetcher    Fetcher
	history    *store.History
	dataDir    string
	grid       raster.Grid
	resampling raster.Resampling
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	lastRun *store.Run
}

// New creates a Refresher.
func New(opts Options) *Refresher {
	return &Refresher{
		fetcher:    opts.Fetcher,
		history:    opts.History,
		dataDir:    opts.DataDir,
		grid:       opts.Grid,
		resampling: opts.Resampling,
		logger:     opts.Logger.With().Str("component", "jobs").Logger(),
	}
}

// Status is a snapshot of the refresher state.
type Status struct {
	Running bool       `json:"running"`
	LastRun *store.Run `json:"last_run,omitempty"`
}

// Status reports whether a refresh is in flight and the most recent run.
func (r *Refresher) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Running: r.running}
	if r.lastRun != nil {
		run := *r.lastRun
		st.LastRun = &run
	}
	return st
}

// ArtifactPath returns the path the product artifact is written to.
func (r *Refresher) ArtifactPath(product soilgrids.Product) string {
	return filepath.Join(r.dataDir, string(product)+".tif")
}

// Refresh derives every product and writes the artifacts. It returns
// ErrAlreadyRunning if a run is already in flight. The finished run is
// recorded in the history ledger regardless of outcome.
func (r *Refresher) Refresh(ctx context.Context) (store.Run, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return store.Run{}, ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	run := store.Run{
		ID:              uuid.NewString(),
		StartedAt:       time.Now().UTC(),
		GridFingerprint: r.grid.Fingerprint(),
		Resampling:      string(r.resampling),
	}
	logger := r.logger.With().Str("job_id", run.ID).Logger()
	logger.Info().
		Str("event", "refresh.start").
		Str("grid", r.grid.String()).
		Msg("starting refresh")

	runErr := r.deriveAll(ctx, &logger)

	run.Duration = time.Since(run.StartedAt)
	run.Products = productNames()
	run.BytesDownloaded = r.sourceBytes()
	if runErr != nil {
		run.Error = runErr.Error()
	}

	r.record(ctx, run, &logger)

	r.mu.Lock()
	r.lastRun = &run
	r.mu.Unlock()

	if runErr != nil {
		logger.Error().
			Err(runErr).
			Str("event", "refresh.failed").
			Dur("duration", run.Duration).
			Msg("refresh failed")
		return run, runErr
	}

	metrics.ObserveRefresh(run.Duration)
	metrics.SetLastRefresh(time.Now())
	logger.Info().
		Str("event", "refresh.success").
		Dur("duration", run.Duration).
		Int64("bytes", run.BytesDownloaded).
		Msg("refresh completed")
	return run, nil
}

// deriveAll fetches and writes every product. Products run concurrently;
// the first failure cancels the rest.
func (r *Refresher) deriveAll(ctx context.Context, logger *zerolog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, product := range soilgrids.Products() {
		g.Go(func() error {
			out, err := r.fetcher.Fetch(ctx, product, r.grid)
			if err != nil {
				metrics.IncRefreshFailure("process")
				return fmt.Errorf("derive %s: %w", product, err)
			}
			if err := r.writeArtifact(product, out, logger); err != nil {
				metrics.IncRefreshFailure("write")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// writeArtifact writes the raster atomically: readers of the previous
// artifact never see a partial file.
func (r *Refresher) writeArtifact(product soilgrids.Product, out *raster.Raster, logger *zerolog.Logger) error {
	if err := os.MkdirAll(r.dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	path := r.ArtifactPath(product)
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending artifact: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending artifact")
		}
	}()

	if err := geotiff.Write(pendingFile, out); err != nil {
		return fmt.Errorf("encode %s artifact: %w", product, err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s artifact: %w", product, err)
	}

	metrics.IncArtifactWritten(string(product))
	logger.Info().
		Str("event", "artifact.written").
		Str("product", string(product)).
		Str("path", path).
		Msg("artifact written")
	return nil
}

// record writes the run to the ledger. A ledger failure is logged but does
// not fail the run: the artifacts are already in place.
func (r *Refresher) record(ctx context.Context, run store.Run, logger *zerolog.Logger) {
	if r.history == nil {
		return
	}
	// The run context may already be cancelled; the ledger write still
	// has to happen.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.history.RecordRun(recordCtx, run); err != nil {
		metrics.IncRefreshFailure("history")
		logger.Warn().
			Err(err).
			Str("event", "refresh.history_failed").
			Msg("failed to record run")
	}
}

// sourceBytes sums the sizes of the downloaded source files.
func (r *Refresher) sourceBytes() int64 {
	var total int64
	for _, product := range soilgrids.Products() {
		path, err := r.fetcher.SourcePath(product)
		if err != nil {
			continue
		}
		if info, err := os.Stat(path); err == nil {
			total += info.Size()
		}
	}
	return total
}

func productNames() []string {
	products := soilgrids.Products()
	names := make([]string, len(products))
	for i, p := range products {
		names[i] = string(p)
	}
	return names
}

// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: health probes, refresh control,
// run history and product artifact downloads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/cache"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/fsutil"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/geotiff"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/health"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/jobs"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/log"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/soilgrids"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/store"
)

// Refresher is the job-control surface the API needs.
type Refresher interface {
	Refresh(ctx context.Context) (store.Run, error)
	Status() jobs.Status
	ArtifactPath(product soilgrids.Product) string
}

// Options configures a Server.
type Options struct {
	// Refresher controls refresh runs. Required.
	Refresher Refresher
	// Health serves the probe endpoints. Required.
	Health *health.Manager
	// History backs the run listing. Optional.
	History *store.History
	// Cache contributes hit statistics to the status endpoint. Optional.
	Cache cache.Store
	// DataDir is the artifact root; served paths are confined to it.
	DataDir string
	Version string
	// BaseContext outlives individual requests and drives asynchronous
	// refreshes. Defaults to context.Background().
	BaseContext context.Context
	Logger      zerolog.Logger
}

// Server is the HTTP API.
type Server struct {
	refresher Refresher
	health    *health.Manager
	history   *store.History
	cache     cache.Store
	dataDir   string
	version   string
	baseCtx   context.Context
	logger    zerolog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		refresher: opts.Refresher,
		health:    opts.Health,
		history:   opts.History,
		cache:     opts.Cache,
		dataDir:   opts.DataDir,
		version:   opts.Version,
		baseCtx:   baseCtx,
		logger:    opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/runs", s.handleRuns)
		r.With(refreshRateLimit()).Post("/refresh", s.handleRefresh)
		r.Get("/products/{product}", s.handleProduct)
		r.Get("/products/{product}/stats", s.handleProductStats)
	})

	return r
}

type statusResponse struct {
	Version string       `json:"version"`
	Refresh jobs.Status  `json:"refresh"`
	Cache   *cache.Stats `json:"cache,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: s.version,
		Refresh: s.refresher.Status(),
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh triggers a run. The default is asynchronous: the run is
// started on the server's base context and 202 is returned immediately.
// With ?wait=true the response carries the finished run.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher.Status().Running {
		writeError(w, http.StatusConflict, "refresh already running")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		run, err := s.refresher.Refresh(r.Context())
		switch {
		case errors.Is(err, jobs.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "refresh already running")
		case err != nil:
			writeJSON(w, http.StatusBadGateway, run)
		default:
			writeJSON(w, http.StatusOK, run)
		}
		return
	}

	go func() {
		if _, err := s.refresher.Refresh(s.baseCtx); err != nil && !errors.Is(err, jobs.ErrAlreadyRunning) {
			s.logger.Error().
				Err(err).
				Str("event", "refresh.async_failed").
				Msg("background refresh failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []store.Run{})
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	runs, err := s.history.RecentRuns(r.Context(), limit)
	if err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Str("event", "runs.query_failed").Msg("failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// artifactFor resolves and validates the artifact path for the product in
// the URL. It writes the error response itself and returns ok=false.
func (s *Server) artifactFor(w http.ResponseWriter, r *http.Request) (string, bool) {
	product, err := soilgrids.ParseProduct(chi.URLParam(r, "product"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown product")
		return "", false
	}

	path, err := fsutil.ConfineAbsPath(s.dataDir, s.refresher.ArtifactPath(product))
	if err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("event", "artifact.confinement_failed").
			Str("product", string(product)).
			Msg("artifact path escapes data dir")
		writeError(w, http.StatusInternalServerError, "artifact unavailable")
		return "", false
	}

	if err := fsutil.IsRegularFile(path); err != nil {
		writeError(w, http.StatusNotFound, "artifact not generated yet")
		return "", false
	}
	return path, true
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	path, ok := s.artifactFor(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "image/tiff")
	http.ServeFile(w, r, path)
}

type productStatsResponse struct {
	Product string       `json:"product"`
	Grid    string       `json:"grid"`
	EPSG    int          `json:"epsg"`
	Stats   raster.Stats `json:"stats"`
}

func (s *Server) handleProductStats(w http.ResponseWriter, r *http.Request) {
	path, ok := s.artifactFor(w, r)
	if !ok {
		return
	}

	f, err := geotiff.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "artifact unreadable")
		return
	}
	defer func() { _ = f.Close() }()

	out, err := f.Read()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "artifact unreadable")
		return
	}

	writeJSON(w, http.StatusOK, productStatsResponse{
		Product: chi.URLParam(r, "product"),
		Grid:    out.Grid.String(),
		EPSG:    out.Grid.EPSG,
		Stats:   out.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

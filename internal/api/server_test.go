// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/geotiff"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/health"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/jobs"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/soilgrids"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/store"
)

type fakeRefresher struct {
	mu      sync.Mutex
	running bool
	run     store.Run
	err     error
	dataDir string
	calls   int
}

func (f *fakeRefresher) Refresh(ctx context.Context) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.running {
		return store.Run{}, jobs.ErrAlreadyRunning
	}
	return f.run, f.err
}

func (f *fakeRefresher) Status() jobs.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return jobs.Status{Running: f.running}
}

func (f *fakeRefresher) ArtifactPath(product soilgrids.Product) string {
	return filepath.Join(f.dataDir, string(product)+".tif")
}

func (f *fakeRefresher) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(t *testing.T, f *fakeRefresher, h *store.History) *Server {
	t.Helper()
	if f.dataDir == "" {
		f.dataDir = t.TempDir()
	}
	return New(Options{
		Refresher: f,
		Health:    health.NewManager("test"),
		History:   h,
		DataDir:   f.dataDir,
		Version:   "test",
		Logger:    zerolog.Nop(),
	})
}

func writeArtifact(t *testing.T, path string) raster.Grid {
	t.Helper()
	g, err := raster.GridFromBounds(-1, -1, 1, 1, 0.5, 4326)
	require.NoError(t, err)
	r, err := raster.New(g)
	require.NoError(t, err)
	for i := range r.Data {
		r.Data[i] = 0.3
	}

	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, geotiff.Write(file, r))
	require.NoError(t, file.Close())
	return g
}

func TestStatus(t *testing.T) {
	f := &fakeRefresher{}
	srv := newTestServer(t, f, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "test", resp.Version)
	assert.False(t, resp.Refresh.Running)
}

func TestRefresh_Wait(t *testing.T) {
	f := &fakeRefresher{run: store.Run{ID: "run-1"}}
	srv := newTestServer(t, f, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh?wait=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var run store.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, "run-1", run.ID)
}

func TestRefresh_ConflictWhileRunning(t *testing.T) {
	f := &fakeRefresher{running: true}
	srv := newTestServer(t, f, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh?wait=true", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRefresh_Async(t *testing.T) {
	f := &fakeRefresher{run: store.Run{ID: "run-2"}}
	srv := newTestServer(t, f, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		return f.refreshCalls() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRefresh_RateLimited(t *testing.T) {
	f := &fakeRefresher{running: true}
	srv := newTestServer(t, f, nil)
	router := srv.Router()

	var last int
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
		req.RemoteAddr = "10.1.2.3:4000"
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestProduct_Download(t *testing.T) {
	f := &fakeRefresher{dataDir: t.TempDir()}
	srv := newTestServer(t, f, nil)
	writeArtifact(t, f.ArtifactPath(soilgrids.FieldCapacity))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products/field_capacity", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/tiff", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestProduct_UnknownIs404(t *testing.T) {
	srv := newTestServer(t, &fakeRefresher{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products/porosity", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProduct_MissingArtifactIs404(t *testing.T) {
	srv := newTestServer(t, &fakeRefresher{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products/wilting_point", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProductStats(t *testing.T) {
	f := &fakeRefresher{dataDir: t.TempDir()}
	srv := newTestServer(t, f, nil)
	g := writeArtifact(t, f.ArtifactPath(soilgrids.WiltingPoint))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products/wilting_point/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp productStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "wilting_point", resp.Product)
	assert.Equal(t, g.EPSG, resp.EPSG)
	assert.Equal(t, g.Cells(), resp.Stats.Cells)
	assert.InDelta(t, 0.3, resp.Stats.Mean, 1e-6)
}

func TestRuns_EmptyWithoutHistory(t *testing.T) {
	srv := newTestServer(t, &fakeRefresher{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRuns_ListsHistory(t *testing.T) {
	h, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = h.Close() }()
	require.NoError(t, h.RecordRun(context.Background(), store.Run{
		ID:        "run-1",
		StartedAt: time.Now().UTC(),
		Products:  []string{"field_capacity"},
	}))

	srv := newTestServer(t, &fakeRefresher{}, h)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []store.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
}

func TestRuns_LimitValidation(t *testing.T) {
	srv := newTestServer(t, &fakeRefresher{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, &fakeRefresher{}, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "client-supplied")
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "client-supplied", rec.Header().Get(requestIDHeader))
}

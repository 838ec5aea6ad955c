// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/geotiff"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/soilgrids"
	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/store"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   chan struct{}
	sources string
}

func (f *fakeFetcher) Fetch(ctx context.Context, product soilgrids.Product, target raster.Grid) (*raster.Raster, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	r, err := raster.New(target)
	if err != nil {
		return nil, err
	}
	for i := range r.Data {
		r.Data[i] = 0.25
	}
	return r, nil
}

func (f *fakeFetcher) SourcePath(product soilgrids.Product) (string, error) {
	return filepath.Join(f.sources, string(product)+".tif"), nil
}

func testGrid(t *testing.T) raster.Grid {
	t.Helper()
	g, err := raster.GridFromBounds(-1, -1, 1, 1, 0.25, 4326)
	require.NoError(t, err)
	return g
}

func newTestRefresher(t *testing.T, f Fetcher, h *store.History) *Refresher {
	t.Helper()
	return New(Options{
		Fetcher:    f,
		History:    h,
		DataDir:    t.TempDir(),
		Grid:       testGrid(t),
		Resampling: raster.Cubic,
		Logger:     zerolog.Nop(),
	})
}

func TestRefresh_WritesArtifacts(t *testing.T) {
	f := &fakeFetcher{sources: t.TempDir()}
	r := newTestRefresher(t, f, nil)

	run, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, run.Succeeded())
	assert.Equal(t, []string{"field_capacity", "wilting_point"}, run.Products)
	assert.Equal(t, 2, f.calls)

	for _, product := range soilgrids.Products() {
		path := r.ArtifactPath(product)
		tif, err := geotiff.Open(path)
		require.NoError(t, err, "artifact for %s", product)
		out, err := tif.Read()
		require.NoError(t, err)
		require.NoError(t, tif.Close())

		assert.True(t, out.Grid.Equal(testGrid(t)), "artifact grid")
		assert.InDelta(t, 0.25, out.Stats().Mean, 1e-6)
	}
}

func TestRefresh_RecordsHistory(t *testing.T) {
	h, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	f := &fakeFetcher{sources: t.TempDir()}
	r := newTestRefresher(t, f, h)

	_, err = r.Refresh(context.Background())
	require.NoError(t, err)

	runs, err := h.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Succeeded())
	assert.Equal(t, "cubic", runs[0].Resampling)
	assert.Equal(t, testGrid(t).Fingerprint(), runs[0].GridFingerprint)
}

func TestRefresh_FailureIsRecorded(t *testing.T) {
	h, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	f := &fakeFetcher{err: errors.New("source unavailable"), sources: t.TempDir()}
	r := newTestRefresher(t, f, h)

	run, err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.False(t, run.Succeeded())
	assert.Contains(t, run.Error, "source unavailable")

	runs, err := h.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Succeeded())
}

func TestRefresh_RejectsConcurrentRuns(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{}), sources: t.TempDir()}
	r := newTestRefresher(t, f, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Refresh(context.Background())
	}()

	// Wait until the first run is inside the fetcher.
	require.Eventually(t, func() bool {
		return r.Status().Running
	}, time.Second, 5*time.Millisecond)

	_, err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(f.block)
	<-done
	assert.False(t, r.Status().Running)
}

func TestRefresh_StatusTracksLastRun(t *testing.T) {
	f := &fakeFetcher{sources: t.TempDir()}
	r := newTestRefresher(t, f, nil)

	st := r.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.LastRun)

	run, err := r.Refresh(context.Background())
	require.NoError(t, err)

	st = r.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, run.ID, st.LastRun.ID)
}

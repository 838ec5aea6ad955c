// SPDX-License-Identifier: MIT

package zenodo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(retries int) *Client {
	return New(Options{Retries: retries, Logger: zerolog.Nop()})
}

func TestFetch_Download(t *testing.T) {
	body := strings.Repeat("soilgrids", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "fc.tif")
	got, err := testClient(0).Fetch(context.Background(), "field_capacity", srv.URL, dst)
	require.NoError(t, err)
	assert.Equal(t, dst, got)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	_, err = os.Stat(dst + PartialSuffix)
	assert.True(t, os.IsNotExist(err), "partial file should be gone after success")
}

func TestFetch_SkipsExistingFile(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "wp.tif")
	require.NoError(t, os.WriteFile(dst, []byte("already here"), 0o640))

	got, err := testClient(0).Fetch(context.Background(), "wilting_point", srv.URL, dst)
	require.NoError(t, err)
	assert.Equal(t, dst, got)
	assert.Zero(t, hits.Load(), "existing file must not trigger a request")
}

func TestFetch_ResumesPartial(t *testing.T) {
	full := []byte("0123456789abcdef")
	var sawRange atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			_, _ = w.Write(full)
			return
		}
		sawRange.Store(true)
		offset, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		require.NoError(t, err)
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, len(full)-1, len(full)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(full[offset:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "fc.tif")
	require.NoError(t, os.WriteFile(dst+PartialSuffix, full[:7], 0o640))

	_, err := testClient(0).Fetch(context.Background(), "field_capacity", srv.URL, dst)
	require.NoError(t, err)
	assert.True(t, sawRange.Load(), "expected a Range request for the partial file")

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, full, data)
}

func TestFetch_RangeNotSatisfiable(t *testing.T) {
	// Partial file already holds the complete body; server refuses the range.
	full := []byte("complete body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		_, _ = w.Write(full)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "fc.tif")
	require.NoError(t, os.WriteFile(dst+PartialSuffix, full, 0o640))

	_, err := testClient(0).Fetch(context.Background(), "field_capacity", srv.URL, dst)
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, full, data)
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "fc.tif")
	_, err := testClient(4).Fetch(context.Background(), "field_capacity", srv.URL, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestFetch_NotFoundIsFatal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "fc.tif")
	_, err := testClient(3).Fetch(context.Background(), "field_capacity", srv.URL, dst)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, int64(1), calls.Load(), "4xx must not be retried")
}

func TestFetch_KeepsPartialOnTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("short"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Hijack and drop the connection so the client sees a truncated body.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "fc.tif")
	_, err := testClient(0).Fetch(context.Background(), "field_capacity", srv.URL, dst)
	require.Error(t, err)

	info, statErr := os.Stat(dst + PartialSuffix)
	require.NoError(t, statErr, "partial file must survive a failed attempt")
	assert.Equal(t, int64(5), info.Size())
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	dst := filepath.Join(t.TempDir(), "fc.tif")
	_, err := testClient(2).Fetch(ctx, "field_capacity", srv.URL, dst)
	require.Error(t, err)
	assert.True(t,
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled),
		"got %v", err)
}

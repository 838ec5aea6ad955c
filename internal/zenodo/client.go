// SPDX-License-Identifier: MIT

// Package zenodo downloads SoilGrids source rasters from their Zenodo
// record. Downloads are resumable: the body streams into a ".partial"
// file that survives interruptions, and later attempts continue from its
// tail with an HTTP Range request (the wget -c flow of the original
// tooling). The finished file is renamed into place only once complete.
package zenodo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/metrics"
)

// PartialSuffix marks in-progress downloads next to their final path.
const PartialSuffix = ".partial"

// ErrUnexpectedStatus wraps non-retryable HTTP responses.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// Options configures a download client.
type Options struct {
	// Timeout bounds a single download attempt. Zero means no client
	// timeout (the caller's context still applies).
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// RateLimitBytes throttles download bandwidth in bytes/second.
	// Zero means unlimited.
	RateLimitBytes int
	// Logger receives download progress events.
	Logger zerolog.Logger
}

// Client fetches record files over HTTP.
type Client struct {
	http    *http.Client
	retries int
	limiter *rate.Limiter
	group   singleflight.Group
	logger  zerolog.Logger
}

// New creates a download client. The transport is OpenTelemetry-instrumented
// so download spans join the refresh trace.
func New(opts Options) *Client {
	var limiter *rate.Limiter
	if opts.RateLimitBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitBytes), opts.RateLimitBytes)
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retries: opts.Retries,
		limiter: limiter,
		logger:  opts.Logger,
	}
}

// Fetch ensures the file at url exists at filename and returns the final
// path. An already complete file is reused without touching the network.
// Concurrent fetches of the same file are coalesced.
func (c *Client) Fetch(ctx context.Context, product, url, filename string) (string, error) {
	if _, err := os.Stat(filename); err == nil {
		c.logger.Info().
			Str("event", "download.cached").
			Str("product", product).
			Str("path", filename).
			Msg("file already downloaded")
		return filename, nil
	}

	_, err, _ := c.group.Do(filename, func() (any, error) {
		return nil, c.fetchWithRetry(ctx, product, url, filename)
	})
	if err != nil {
		metrics.IncDownloadFailure(product)
		return "", err
	}

	// Parity with the original tooling: the file must exist after a
	// reported success.
	if _, err := os.Stat(filename); err != nil {
		return "", fmt.Errorf("unable to download %s: %w", url, err)
	}
	return filename, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, product, url, filename string) error {
	start := time.Now()
	backoff := time.Second

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			metrics.IncDownloadRetry(product)
			c.logger.Warn().
				Err(lastErr).
				Str("event", "download.retry").
				Str("product", product).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying download")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.fetchOnce(ctx, product, url, filename)
		if err == nil {
			metrics.ObserveDownload(product, time.Since(start))
			c.logger.Info().
				Str("event", "download.success").
				Str("product", product).
				Str("path", filename).
				Dur("duration", time.Since(start)).
				Msg("download completed")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("download %s failed after %d attempts: %w", url, c.retries+1, lastErr)
}

// fetchOnce performs a single attempt, resuming from the partial file if one
// exists. On success the partial file is renamed to the final path.
func (c *Client) fetchOnce(ctx context.Context, product, url, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("create source dir: %w", err)
	}

	partial := filename + PartialSuffix
	var offset int64
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer func() {
		if cerr := res.Body.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("close response body")
		}
	}()

	var f *os.File
	switch {
	case res.StatusCode == http.StatusPartialContent && offset > 0:
		metrics.IncDownloadResume(product)
		c.logger.Info().
			Str("event", "download.resume").
			Str("product", product).
			Int64("offset", offset).
			Msg("resuming partial download")
		f, err = os.OpenFile(partial, os.O_WRONLY|os.O_APPEND, 0o640)
	case res.StatusCode == http.StatusOK:
		// Full body: server ignored the range or this is a fresh start.
		f, err = os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	case res.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// Partial file already holds the complete body.
		return finalize(partial, filename)
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("server error %d for %s: %w", res.StatusCode, url, errTransient)
	default:
		return fmt.Errorf("%w %d for %s", ErrUnexpectedStatus, res.StatusCode, url)
	}
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}

	written, copyErr := c.copyLimited(ctx, f, res.Body, product)
	if cerr := f.Close(); copyErr == nil && cerr != nil {
		copyErr = cerr
	}
	if copyErr != nil {
		// Keep the partial file: the next attempt resumes from it.
		return fmt.Errorf("stream body (wrote %d bytes): %w", written, transientIO(copyErr))
	}

	return finalize(partial, filename)
}

// copyLimited streams the body to the file, applying the bandwidth limiter.
func (c *Client) copyLimited(ctx context.Context, dst io.Writer, src io.Reader, product string) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if c.limiter != nil {
				if err := waitN(ctx, c.limiter, n); err != nil {
					return written, err
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			metrics.AddDownloadBytes(product, int64(n))
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// waitN reserves n bytes from the limiter, splitting reservations that
// exceed the burst size.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	for n > 0 {
		chunk := n
		if burst := limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func finalize(partial, filename string) error {
	if err := os.Rename(partial, filename); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// errTransient marks failures worth another attempt.
var errTransient = errors.New("transient download failure")

func transientIO(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", errTransient, err)
}

func retryable(err error) bool {
	if errors.Is(err, ErrUnexpectedStatus) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Everything else (connection refused, reset, short body) is worth
	// another attempt against the partial file.
	return true
}

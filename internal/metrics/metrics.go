// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instrumentation for the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Download metrics
	downloadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soilgrids_download_bytes_total",
		Help: "Total bytes downloaded per product",
	}, []string{"product"})

	downloadDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soilgrids_download_duration_seconds",
		Help:    "Wall time spent downloading a source file",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"product"})

	downloadRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soilgrids_download_retries_total",
		Help: "Download attempts that had to be retried",
	}, []string{"product"})

	downloadResumesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soilgrids_download_resumes_total",
		Help: "Downloads resumed from a partial file",
	}, []string{"product"})

	downloadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soilgrids_download_failures_total",
		Help: "Downloads that failed after all retries",
	}, []string{"product"})

	// Processing metrics
	productCellsValid = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soilgrids_product_cells_valid",
		Help: "Valid (non-nodata) cells in the last produced raster",
	}, []string{"product"})

	processDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soilgrids_process_duration_seconds",
		Help:    "Time spent reading, masking and resampling a product",
		Buckets: prometheus.DefBuckets,
	}, []string{"product"})

	// Cache metrics
	cacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soilgrids_cache_requests_total",
		Help: "Processed-raster cache lookups by outcome",
	}, []string{"outcome"}) // outcome=hit|miss|error

	// Refresh metrics
	refreshFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soilgrids_refresh_failures_total",
		Help: "Refresh failures by stage",
	}, []string{"stage"}) // stage=config|download|process|write|history

	refreshDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "soilgrids_refresh_duration_seconds",
		Help:    "Wall time of a complete refresh cycle",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})

	lastRefreshTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soilgrids_last_refresh_timestamp_seconds",
		Help: "Unix time of the last successful refresh",
	})

	artifactsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soilgrids_artifacts_written_total",
		Help: "Product GeoTIFF artifacts written",
	}, []string{"product"})
)

func AddDownloadBytes(product string, n int64) {
	downloadBytesTotal.WithLabelValues(product).Add(float64(n))
}
func ObserveDownload(product string, d time.Duration) {
	downloadDurationSeconds.WithLabelValues(product).Observe(d.Seconds())
}
func IncDownloadRetry(product string) { downloadRetriesTotal.WithLabelValues(product).Inc() }

func IncDownloadResume(product string) { downloadResumesTotal.WithLabelValues(product).Inc() }

func IncDownloadFailure(product string) { downloadFailuresTotal.WithLabelValues(product).Inc() }

func SetProductCellsValid(product string, n int) {
	productCellsValid.WithLabelValues(product).Set(float64(n))
}
func ObserveProcess(product string, d time.Duration) {
	processDurationSeconds.WithLabelValues(product).Observe(d.Seconds())
}

func IncCacheHit() { cacheRequestsTotal.WithLabelValues("hit").Inc() }

func IncCacheMiss() { cacheRequestsTotal.WithLabelValues("miss").Inc() }

func IncCacheError() { cacheRequestsTotal.WithLabelValues("error").Inc() }

func IncRefreshFailure(stage string) { refreshFailuresTotal.WithLabelValues(stage).Inc() }

func ObserveRefresh(d time.Duration) { refreshDurationSeconds.Observe(d.Seconds()) }

func SetLastRefresh(t time.Time) { lastRefreshTimestamp.Set(float64(t.Unix())) }
func IncArtifactWritten(product string) {
	artifactsWritten.WithLabelValues(product).Inc()
}

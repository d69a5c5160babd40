package metrics

/*
ctkeys — Certificate Transparency RSA key harvesting pipeline
Copyright (C) 2026  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the pipeline
type Metrics struct {
	// Fetch metrics
	FetchRequestsTotal  *prometheus.CounterVec
	FetchRetriesTotal   *prometheus.CounterVec
	FetchFailuresTotal  *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	RateLimitDelay      *prometheus.HistogramVec
	PlaceholdersTotal   prometheus.Counter
	EntriesFetchedTotal prometheus.Counter

	// Persistence metrics
	ShardsCommittedTotal    prometheus.Counter
	ShardWriteDuration      prometheus.Histogram
	CheckpointCommitsTotal  prometheus.Counter
	CheckpointCommitRetries prometheus.Counter

	// Decode and export metrics
	DecodeSkipsTotal     *prometheus.CounterVec
	RecordsExportedTotal prometheus.Counter
	ExportBytesTotal     prometheus.Counter
	PartitionsWritten    prometheus.Counter

	// Analysis metrics
	DuplicateGroups prometheus.Gauge
	SolverFindings  prometheus.Counter
}

var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled = true
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

func newMetrics() *Metrics {
	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	return &Metrics{
		FetchRequestsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctkeys_fetch_requests_total",
				Help: "Total number of get-entries requests issued",
			},
			[]string{"status"},
		),
		FetchRetriesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctkeys_fetch_retries_total",
				Help: "Total number of retried fetch attempts",
			},
			[]string{"error_class"},
		),
		FetchFailuresTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctkeys_fetch_failures_total",
				Help: "Total number of fetches that exhausted their retry budget",
			},
			[]string{"error_class"},
		),
		FetchDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctkeys_fetch_duration_seconds",
				Help:    "Time spent on individual log requests",
				Buckets: buckets,
			},
			[]string{"endpoint"},
		),
		RateLimitDelay: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctkeys_rate_limit_delay_seconds",
				Help:    "Time workers spend waiting on the shared rate limiter",
				Buckets: buckets,
			},
			[]string{"worker"},
		),
		PlaceholdersTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_placeholders_total",
				Help: "Total number of indices recorded as missing placeholders",
			},
		),
		EntriesFetchedTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_entries_fetched_total",
				Help: "Total number of log entries successfully fetched",
			},
		),

		ShardsCommittedTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_shards_committed_total",
				Help: "Total number of shards durably committed",
			},
		),
		ShardWriteDuration: defaultRegisterer.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ctkeys_shard_write_duration_seconds",
				Help:    "Time spent writing and committing shard files",
				Buckets: buckets,
			},
		),
		CheckpointCommitsTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_checkpoint_commits_total",
				Help: "Total number of checkpoint commits",
			},
		),
		CheckpointCommitRetries: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_checkpoint_commit_retries_total",
				Help: "Total number of retried checkpoint commit attempts",
			},
		),

		DecodeSkipsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctkeys_decode_skips_total",
				Help: "Total number of entries skipped during decoding",
			},
			[]string{"reason"},
		),
		RecordsExportedTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_records_exported_total",
				Help: "Total number of key records written to dataset partitions",
			},
		),
		ExportBytesTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_export_bytes_total",
				Help: "Total compressed bytes written to dataset partitions",
			},
		),
		PartitionsWritten: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_partitions_written_total",
				Help: "Total number of dataset partitions committed",
			},
		),

		DuplicateGroups: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "ctkeys_duplicate_groups",
				Help: "Number of modulus fingerprints shared by more than one entry",
			},
		),
		SolverFindings: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctkeys_solver_findings_total",
				Help: "Total number of factored keys reported by the solver",
			},
		),
	}
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string) error {
	if !metricsEnabled {
		return nil
	}

	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:    addr,
			Handler: mux,
		}

		go func() {
			log.Printf("Starting metrics server on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	})

	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

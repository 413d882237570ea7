// Package metrics exposes pipeline counters on a private prometheus
// registry. A nil *Pipeline is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pipeline struct {
	registry *prometheus.Registry

	filesTotal     *prometheus.CounterVec
	fileDuration   prometheus.Histogram
	filesInFlight  prometheus.Gauge
	apiCallsTotal  *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	cellsTotal     *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	duplicateGroup prometheus.Gauge
}

func NewPipeline() *Pipeline {
	registry := prometheus.NewRegistry()

	filesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geophotos",
			Subsystem: "processing",
			Name:      "files_total",
			Help:      "Processed files by outcome.",
		},
		[]string{"outcome"},
	)
	fileDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "geophotos",
			Subsystem: "processing",
			Name:      "file_duration_seconds",
			Help:      "Time spent processing a single file.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	filesInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "geophotos",
			Subsystem: "processing",
			Name:      "files_in_flight",
			Help:      "Files currently being processed.",
		},
	)
	apiCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geophotos",
			Subsystem: "geocoding",
			Name:      "api_calls_total",
			Help:      "Outbound geocode client calls by operation.",
		},
		[]string{"operation"},
	)
	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geophotos",
			Subsystem: "geocoding",
			Name:      "http_requests_total",
			Help:      "Billable Maps HTTP requests, retries included, by operation and result.",
		},
		[]string{"operation", "result"},
	)
	cellsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geophotos",
			Subsystem: "geocoding",
			Name:      "cells_total",
			Help:      "Spatial cell groups handled by status.",
		},
		[]string{"status"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "geophotos",
			Name:      "run_duration_seconds",
			Help:      "Duration of whole pipeline runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"run"},
	)
	duplicateGroup := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "geophotos",
			Subsystem: "duplicates",
			Name:      "groups",
			Help:      "Duplicate groups found by the latest scan.",
		},
	)

	registry.MustRegister(filesTotal, fileDuration, filesInFlight, apiCallsTotal, httpRequests, cellsTotal, runDuration, duplicateGroup)

	return &Pipeline{
		registry:       registry,
		filesTotal:     filesTotal,
		fileDuration:   fileDuration,
		filesInFlight:  filesInFlight,
		apiCallsTotal:  apiCallsTotal,
		httpRequests:   httpRequests,
		cellsTotal:     cellsTotal,
		runDuration:    runDuration,
		duplicateGroup: duplicateGroup,
	}
}

func (m *Pipeline) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for mounting extra collectors.
func (m *Pipeline) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Pipeline) StartFile() {
	if m == nil {
		return
	}
	m.filesInFlight.Inc()
}

func (m *Pipeline) FinishFile(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.filesInFlight.Dec()
	m.filesTotal.WithLabelValues(outcome).Inc()
	m.fileDuration.Observe(duration.Seconds())
}

func (m *Pipeline) APICall(operation string) {
	if m == nil {
		return
	}
	m.apiCallsTotal.WithLabelValues(operation).Inc()
}

// HTTPRequest counts one request that reached the Maps API. result is "ok"
// or "error".
func (m *Pipeline) HTTPRequest(operation, result string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(operation, result).Inc()
}

func (m *Pipeline) Cell(status string) {
	if m == nil {
		return
	}
	m.cellsTotal.WithLabelValues(status).Inc()
}

func (m *Pipeline) ObserveRun(run string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(run).Observe(duration.Seconds())
}

func (m *Pipeline) DuplicateGroups(n int) {
	if m == nil {
		return
	}
	m.duplicateGroup.Set(float64(n))
}

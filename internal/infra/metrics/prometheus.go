package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camsync_exports_total",
		Help: "Total number of export jobs processed, by terminal status",
	}, []string{"status"})

	ExportStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "camsync_export_stage_duration_seconds",
		Help:    "Duration of export pipeline stages",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	FramesExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camsync_frames_exported_total",
		Help: "Total number of frames written across all sources and jobs",
	})

	SourcesPerExport = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camsync_sources_per_export",
		Help:    "Number of sources per export job",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camsync_active_workers",
		Help: "Number of workers currently running an export",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camsync_retry_total",
		Help: "Total number of export retries",
	}, []string{"attempt"})
)

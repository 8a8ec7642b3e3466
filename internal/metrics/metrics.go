package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidstream_pipeline_runs_total",
		Help: "Pipeline runs by terminal result",
	}, []string{"result"})

	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidstream_pipeline_duration_seconds",
		Help:    "Time from processing start to a terminal state",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	PipelinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidstream_pipelines_active",
		Help: "Pipelines currently running in this process",
	})

	MetadataDefaulted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidstream_metadata_defaulted_total",
		Help: "Extractions that fell back to default metadata",
	})

	SensitivityResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidstream_sensitivity_results_total",
		Help: "Classifier outcomes",
	}, []string{"status"})

	StaleReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidstream_stale_processing_reconciled_total",
		Help: "Stale processing records failed by the reconciler",
	})

	StreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidstream_stream_requests_total",
		Help: "Stream requests by response code",
	}, []string{"code"})

	StreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidstream_stream_bytes_total",
		Help: "Bytes written to streaming clients",
	})

	ViewIncrementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidstream_view_increment_failures_total",
		Help: "Best-effort view increments that failed",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidstream_websocket_clients",
		Help: "Connected notification sockets",
	})
)

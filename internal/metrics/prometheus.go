// Package metrics holds the Prometheus metrics of the voice loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "robot"

// Label values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StorageLocal    = "local"
	StorageS3       = "s3"
)

// Metrics contains all Prometheus metrics for the robot.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	ChunksCaptured   prometheus.Counter
	CaptureOverflows prometheus.Counter
	ChunksDrained    prometheus.Counter

	// Detector metrics
	Utterances        *prometheus.CounterVec
	UtteranceDuration prometheus.Histogram

	// Reply metrics
	Replies          *prometheus.CounterVec
	ReplyDuration    prometheus.Histogram
	ReplyAudioBytes  prometheus.Counter
	Reconnects       prometheus.Counter
	IndicatorLevel   prometheus.Gauge
	CommandsReceived *prometheus.CounterVec

	// Side-branch metrics
	Transcriptions *prometheus.CounterVec
	Uploads        *prometheus.CounterVec
	FilesCleaned   *prometheus.CounterVec
	Webhooks       *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. A nil reg gets a
// private registry, which keeps tests and unconfigured components isolated.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ChunksCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_total",
			Help:      "Total number of microphone chunks read",
		}),
		CaptureOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_overflows_total",
			Help:      "Total number of capture reads that reported an input overflow",
		}),
		ChunksDrained: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_drained_total",
			Help:      "Total number of chunks discarded after a reply",
		}),

		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Total number of detector verdicts by outcome",
		}, []string{"verdict"}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Duration of completed utterances",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Total number of reply cycles by status",
		}, []string{"status"}),
		ReplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_duration_seconds",
			Help:      "Time from utterance completion to the end of playback",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~30s
		}),
		ReplyAudioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_audio_bytes_total",
			Help:      "Total bytes of reply audio played",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_reconnects_total",
			Help:      "Total number of times the remote connection was dropped after an error",
		}),
		IndicatorLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indicator_level",
			Help:      "Last level sent to the mouth indicator",
		}),
		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_commands_total",
			Help:      "Total number of body commands by action and outcome",
		}, []string{"action", "status"}),

		Transcriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Total number of local transcriptions by status",
		}, []string{"status"}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_uploads_total",
			Help:      "Total number of archive uploads by status",
		}, []string{"status"}),
		FilesCleaned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_files_deleted_total",
			Help:      "Total number of archived files removed by retention cleanup",
		}, []string{"storage"}),
		Webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Total number of webhook deliveries by status",
		}, []string{"status"}),
	}
}

// RegisterRuntime adds the Go runtime and process collectors.
func (m *Metrics) RegisterRuntime() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Status returns the status label for err.
func Status(err error) string {
	if err != nil {
		return StatusFailed
	}
	return StatusCompleted
}

// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ProbesTotal          prometheus.Counter
	ProbeFailures        prometheus.Counter
	RecordingsStarted    prometheus.Counter
	RecordingsStopped    prometheus.Counter
	SpawnFailures        prometheus.Counter
	DownloadsStarted     prometheus.Counter
	DownloadsSucceeded   prometheus.Counter
	DownloadsFailed      prometheus.Counter
	NotificationsDropped prometheus.Counter

	// Histograms (seconds)
	CheckCycleDuration prometheus.Observer
	RecordingDuration  prometheus.Observer
	DownloadDuration   prometheus.Observer

	// Gauges
	ActiveRecordings  prometheus.Gauge
	ActiveDownloads   prometheus.Gauge
	MonitoredChannels prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ProbesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_probes_total", Help: "Number of live-status probes performed"})
		ProbeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_probe_failures_total", Help: "Number of live-status probes that failed"})
		RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_recordings_started_total", Help: "Number of capture subprocesses started"})
		RecordingsStopped = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_recordings_stopped_total", Help: "Number of recordings that ended (any reason)"})
		SpawnFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_spawn_failures_total", Help: "Number of capture subprocess spawn failures"})
		DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_downloads_started_total", Help: "Number of archive downloads started"})
		DownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_downloads_succeeded_total", Help: "Number of archive downloads succeeded"})
		DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_downloads_failed_total", Help: "Number of archive downloads failed"})
		NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_notifications_dropped_total", Help: "Number of notification events dropped for lagging subscribers"})
		CheckCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_check_cycle_duration_seconds", Help: "Duration of one full check cycle", Buckets: prometheus.DefBuckets})
		RecordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_recording_duration_seconds", Help: "Duration of finished recordings", Buckets: prometheus.ExponentialBuckets(60, 2, 10)})
		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_download_duration_seconds", Help: "Duration of archive downloads", Buckets: prometheus.ExponentialBuckets(10, 2, 10)})
		ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{Name: "recorder_active_recordings", Help: "Recordings currently in progress"})
		ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{Name: "recorder_active_downloads", Help: "Archive downloads currently in progress"})
		MonitoredChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "recorder_monitored_channels", Help: "Channels currently registered"})
	})
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

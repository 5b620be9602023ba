package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64
	RelevantFrames  atomic.Uint64
	PreviewFrames   atomic.Uint64

	// Confirmation and clip lifecycle
	Confirmations     atomic.Uint64
	ClipsOpened       atomic.Uint64
	ClipsClosed       atomic.Uint64
	ClipFramesWritten atomic.Uint64

	// Dataset export
	SnapshotsWritten atomic.Uint64
	SnapshotsSkipped atomic.Uint64

	// Error counters
	DetectorErrors atomic.Uint64
	WriteErrors    atomic.Uint64
	SnapshotErrors atomic.Uint64
	CallbackErrors atomic.Uint64

	// Engine state
	DebounceCount   atomic.Int64
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active

	// Latency tracking
	InferLatencyMs   atomic.Uint64
	ProcessLatencyMs atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		f,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("accident_frames_read_total", "Total frames pulled from the source", &m.FramesRead)
	m.counter("accident_frames_processed_total", "Total frames run through the engine", &m.FramesProcessed)
	m.counter("accident_frames_dropped_total", "Frames skipped because detection failed", &m.FramesDropped)
	m.counter("accident_relevant_frames_total", "Frames with at least one relevant detection", &m.RelevantFrames)
	m.counter("accident_preview_frames_total", "Annotated frames handed to the preview sink", &m.PreviewFrames)

	m.counter("accident_confirmations_total", "Confirmed accident events", &m.Confirmations)
	m.counter("accident_clips_opened_total", "Clip writers opened", &m.ClipsOpened)
	m.counter("accident_clips_closed_total", "Clip writers closed", &m.ClipsClosed)
	m.counter("accident_clip_frames_written_total", "Frames written to clips", &m.ClipFramesWritten)

	m.counter("accident_snapshots_written_total", "Dataset snapshots written", &m.SnapshotsWritten)
	m.counter("accident_snapshots_skipped_total", "Dataset snapshots suppressed by the cooldown", &m.SnapshotsSkipped)

	m.counter("accident_detector_errors_total", "Detector invocation failures", &m.DetectorErrors)
	m.counter("accident_write_errors_total", "Clip open or write failures", &m.WriteErrors)
	m.counter("accident_snapshot_errors_total", "Dataset snapshot write failures", &m.SnapshotErrors)
	m.counter("accident_callback_errors_total", "Notification callback failures", &m.CallbackErrors)

	m.gauge("accident_debounce_count", "Current debounce counter value",
		func() float64 { return float64(m.DebounceCount.Load()) })
	m.gauge("accident_recording_active", "Recording active (0=inactive, 1=active)",
		func() float64 { return float64(m.RecordingActive.Load()) })
	m.gauge("accident_infer_latency_ms", "Last detector latency in milliseconds",
		func() float64 { return float64(m.InferLatencyMs.Load()) })
	m.gauge("accident_process_latency_ms", "Last full frame processing latency in milliseconds",
		func() float64 { return float64(m.ProcessLatencyMs.Load()) })
}

// UpdateInferLatency records the latest detector latency
func (m *Metrics) UpdateInferLatency(d time.Duration) {
	m.InferLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateProcessLatency records the latest frame processing latency
func (m *Metrics) UpdateProcessLatency(d time.Duration) {
	m.ProcessLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetRecording flips the recording gauge
func (m *Metrics) SetRecording(active bool) {
	if active {
		m.RecordingActive.Store(1)
		return
	}
	m.RecordingActive.Store(0)
}

// Registry exposes the private registry (tests and embedding servers)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer builds the metrics HTTP server; the caller owns ListenAndServe and Shutdown
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

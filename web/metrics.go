package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes live frame telemetry in Prometheus format
type Metrics struct {
	frametime        *prometheus.HistogramVec
	framesTotal      *prometheus.CounterVec
	fps              *prometheus.GaugeVec
	attachedApps     prometheus.Gauge
	attachErrors     *prometheus.CounterVec
	truncatedRecords prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	return &Metrics{
		registry: registry,

		frametime: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "frame_analyzer_frametime_seconds",
				Help: "Time between two successive buffer submissions",
				// 4ms (240 Hz) up to ~1s
				Buckets: prometheus.ExponentialBuckets(0.004, 1.5, 15),
			},
			[]string{"app"},
		),

		framesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "frame_analyzer_frames_total",
				Help: "Frames observed, by frame class",
			},
			[]string{"app", "class"},
		),

		fps: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frame_analyzer_fps",
				Help: "Frames per second over the stats window",
			},
			[]string{"app", "pid"},
		),

		attachedApps: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "frame_analyzer_attached_apps",
				Help: "Number of processes with an attached frame probe",
			},
		),

		attachErrors: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "frame_analyzer_attach_errors_total",
				Help: "Failed probe attachments, by failure kind",
			},
			[]string{"kind"},
		),

		truncatedRecords: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "frame_analyzer_truncated_records",
				Help: "Undecodable ring buffer records skipped for attached apps",
			},
		),
	}
}

// ObserveFrame records one frametime for app.
func (m *Metrics) ObserveFrame(app string, frametime time.Duration, class string) {
	m.frametime.WithLabelValues(app).Observe(frametime.Seconds())
	m.framesTotal.WithLabelValues(app, class).Inc()
}

// SetFPS publishes the latest FPS figure for a process.
func (m *Metrics) SetFPS(app string, pid int, fps float64) {
	m.fps.WithLabelValues(app, strconv.Itoa(pid)).Set(fps)
}

// ForgetApp drops the per-process series of a detached process.
func (m *Metrics) ForgetApp(app string, pid int) {
	m.fps.DeleteLabelValues(app, strconv.Itoa(pid))
}

func (m *Metrics) SetAttached(n int) {
	m.attachedApps.Set(float64(n))
}

func (m *Metrics) AttachFailed(kind string) {
	m.attachErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetTruncated(n uint64) {
	m.truncatedRecords.Set(float64(n))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

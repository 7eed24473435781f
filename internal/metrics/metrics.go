// Package metrics exposes proctoring counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/logger"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame pipeline
	FramesCaptured  atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDelivered atomic.Uint64
	CaptureErrors   atomic.Uint64
	DetectorErrors  atomic.Uint64

	// Verification
	VerificationAttempts atomic.Uint64
	Verifications        atomic.Uint64

	// Sessions
	SessionsStarted atomic.Uint64
	ActiveSessions  atomic.Int64
	Terminations    atomic.Uint64

	// Delivery
	EventsDropped  atomic.Uint64
	RecorderErrors atomic.Uint64

	// Latency of the last processed frame
	ProcessLatencyMs atomic.Uint64

	eventsByName *prometheus.CounterVec
	registry     *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsByName: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_events_total",
			Help: "Session events emitted, by event name",
		}, []string{"event"}),
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

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("proctor_frames_captured_total", "Frames read from capture sources", &m.FramesCaptured)
	m.counter("proctor_frames_processed_total", "Frames evaluated by session monitors", &m.FramesProcessed)
	m.counter("proctor_frames_delivered_total", "Preview frames delivered to viewers", &m.FramesDelivered)
	m.counter("proctor_capture_errors_total", "Capture open or read failures", &m.CaptureErrors)
	m.counter("proctor_detector_errors_total", "Frames skipped because a model call failed", &m.DetectorErrors)
	m.counter("proctor_verification_attempts_total", "Identity verification attempts", &m.VerificationAttempts)
	m.counter("proctor_verifications_total", "Sessions that verified a subject", &m.Verifications)
	m.counter("proctor_sessions_started_total", "Monitoring sessions started", &m.SessionsStarted)
	m.counter("proctor_terminations_total", "Sessions ended by a timeout", &m.Terminations)
	m.counter("proctor_events_dropped_total", "Event deliveries skipped for slow subscribers", &m.EventsDropped)
	m.counter("proctor_recorder_errors_total", "Evidence recording write failures", &m.RecorderErrors)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "proctor_active_sessions",
			Help: "Sessions currently monitoring a stream",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "proctor_process_latency_ms",
			Help: "Processing latency of the most recent frame in milliseconds",
		},
		func() float64 { return float64(m.ProcessLatencyMs.Load()) },
	))

	m.registry.MustRegister(m.eventsByName)
}

// UpdateProcessLatency records how long the last frame took.
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyMs.Store(uint64(duration.Milliseconds()))
}

// Publish implements events.Sink by counting events per name.
func (m *Metrics) Publish(e events.Event) {
	m.eventsByName.WithLabelValues(string(e.Name)).Inc()
	if e.Terminal {
		m.Terminations.Add(1)
	}
}

var _ events.Sink = (*Metrics)(nil)

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics", "Prometheus metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package metrics exposes engine activity as Prometheus metrics
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	zpay "github.com/zpay-labs/zpay"
)

const namespace = "zpay"

// Detection outcomes
const (
	DetectionNotFound  = "not_found"
	DetectionFound     = "found"
	DetectionTransient = "transient_error"
	DetectionFailed    = "error"
)

// Recorder owns a registry and the engine collectors
type Recorder struct {
	registry *prometheus.Registry

	transitions       *prometheus.CounterVec
	detections        *prometheus.CounterVec
	detectionDuration prometheus.Histogram
	dispatches        *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	sweepVisited      prometheus.Counter
	sweepErrors       prometheus.Counter
	sweepDuration     prometheus.Histogram
	lastSweep         prometheus.Gauge
}

// New creates a recorder with its own registry, including Go and process
// collectors
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Durable session transitions by entered status.",
		}, []string{"status"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_detections_total",
			Help:      "Deposit detector calls by outcome.",
		}, []string{"outcome"}),
		detectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deposit_detection_duration_seconds",
			Help:      "Latency of deposit detector calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_dispatches_total",
			Help:      "Settlement provider calls by result.",
		}, []string{"result"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_dispatch_duration_seconds",
			Help:      "Latency of settlement provider calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepVisited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_sessions_total",
			Help:      "Pending sessions visited by sweeps.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Sessions a sweep could not reconcile.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of sweep passes.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time the last sweep started.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.transitions,
		r.detections,
		r.detectionDuration,
		r.dispatches,
		r.dispatchDuration,
		r.sweepVisited,
		r.sweepErrors,
		r.sweepDuration,
		r.lastSweep,
	)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// EngineOptions wires the recorder into an engine's hooks
func (r *Recorder) EngineOptions() []zpay.Option {
	return []zpay.Option{
		zpay.OnTransition(func(tc zpay.TransitionContext) error {
			r.transitions.WithLabelValues(string(tc.Event.Session.Status)).Inc()
			return nil
		}),
		zpay.OnDetection(func(dc zpay.DetectionContext) {
			r.detectionDuration.Observe(dc.Duration.Seconds())
			r.detections.WithLabelValues(detectionOutcome(dc)).Inc()
		}),
		zpay.OnAfterDispatch(func(dc zpay.DispatchResultContext) error {
			r.dispatchDuration.Observe(dc.Duration.Seconds())
			r.dispatches.WithLabelValues("accepted").Inc()
			return nil
		}),
		zpay.OnDispatchFailure(func(dc zpay.DispatchFailureContext) error {
			r.dispatchDuration.Observe(dc.Duration.Seconds())
			r.dispatches.WithLabelValues("failed").Inc()
			return nil
		}),
		zpay.OnSweep(func(_ context.Context, report zpay.SweepReport) {
			r.sweepVisited.Add(float64(report.Visited))
			r.sweepErrors.Add(float64(report.Errors))
			r.sweepDuration.Observe(report.Duration.Seconds())
			r.lastSweep.Set(float64(report.StartedAt.Unix()))
		}),
	}
}

func detectionOutcome(dc zpay.DetectionContext) string {
	switch {
	case dc.Error != nil && zpay.IsTransientDetectionError(dc.Error):
		return DetectionTransient
	case dc.Error != nil:
		return DetectionFailed
	case dc.Result != nil && dc.Result.Found:
		return DetectionFound
	default:
		return DetectionNotFound
	}
}

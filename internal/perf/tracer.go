// Package perf provides the performance tracer used around engine
// operations: spans are cheap to create, nil-safe to log, and feed both
// the structured log and a Prometheus histogram.
package perf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Tracer creates spans for named operations
type Tracer struct {
	logger   *zap.Logger
	duration *prometheus.HistogramVec
	enabled  bool
}

// New creates a tracer. When registerer is nil the histogram is created
// unregistered; when enabled is false Begin returns nil spans and
// tracing costs nothing on the hot path.
func New(logger *zap.Logger, registerer prometheus.Registerer, enabled bool) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}

	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "policyadmin",
			Name:      "operation_duration_microseconds",
			Help:      "Policy administration operation latency in microseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		},
		[]string{"operation"},
	)

	if registerer != nil {
		registerer.MustRegister(duration)
	}

	return &Tracer{
		logger:   logger,
		duration: duration,
		enabled:  enabled,
	}
}

// Enabled reports whether tracing is on
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled
}

// Begin opens a span for the operation; returns nil when tracing is off
func (t *Tracer) Begin(operation string) *Span {
	if !t.Enabled() {
		return nil
	}

	return &Span{
		tracer:    t,
		operation: operation,
		start:     time.Now(),
	}
}

// Span is one in-flight traced operation
type Span struct {
	tracer    *Tracer
	operation string
	start     time.Time
}

// Log closes the span, recording its duration. Safe on a nil span.
func (s *Span) Log() {
	if s == nil {
		return
	}

	elapsed := time.Since(s.start)
	us := float64(elapsed.Microseconds())

	s.tracer.duration.WithLabelValues(s.operation).Observe(us)
	s.tracer.logger.Debug("perf",
		zap.String("operation", s.operation),
		zap.Float64("durationUs", us),
	)
}

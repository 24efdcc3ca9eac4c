package observability

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConfig names the collectors and the registry they join.
type PrometheusConfig struct {
	Namespace string
	Subsystem string
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
	// Buckets are histogram bounds in seconds.
	Buckets []float64
}

// DefaultPrometheusConfig registers entitycore_manager_* collectors on the
// default registry.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace: "entitycore",
		Subsystem: "manager",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}
}

// PrometheusRecorder counts manager operations by status and tracks their
// latency.
type PrometheusRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusRecorder creates and registers the recorder's collectors.
// Collectors already registered under the same names are reused.
func NewPrometheusRecorder(cfg PrometheusConfig) (*PrometheusRecorder, error) {
	def := DefaultPrometheusConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = def.Subsystem
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = def.Buckets
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "operations_total",
		Help:      "Entity manager operations by outcome.",
	}, []string{"operation", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "operation_duration_seconds",
		Help:      "Entity manager operation latency.",
		Buckets:   cfg.Buckets,
	}, []string{"operation"})

	var err error
	if operations, err = register(reg, operations); err != nil {
		return nil, err
	}
	if latency, err = register(reg, latency); err != nil {
		return nil, err
	}
	return &PrometheusRecorder{operations: operations, latency: latency}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// Observe records a manager operation outcome.
func (r *PrometheusRecorder) Observe(operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.operations.WithLabelValues(operation, statusLabel(success)).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

package entity

import (
	"time"

	"entitycore/pkg/domain"
	"entitycore/pkg/query"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder receives the outcome and duration of manager operations:
// attach, detach, import, export, query_local and merge.
type MetricsRecorder interface {
	Observe(operation string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(string, bool, time.Duration) {}

// ValidationOptions select when validators run automatically.
type ValidationOptions struct {
	OnPropertyChange bool
	OnAttach         bool
	OnSave           bool
	OnQuery          bool
}

// DefaultValidationOptions validates on property change, attach and save.
var DefaultValidationOptions = ValidationOptions{
	OnPropertyChange: true,
	OnAttach:         true,
	OnSave:           true,
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics installs a metrics recorder.
func WithMetrics(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithValidationOptions overrides DefaultValidationOptions.
func WithValidationOptions(o ValidationOptions) Option {
	return func(m *Manager) { m.validationOptions = o }
}

// WithMergeStrategy sets the strategy used by MergeRecords and Import when
// the call does not name one.
func WithMergeStrategy(s domain.MergeStrategy) Option {
	return func(m *Manager) {
		if s.Valid() {
			m.mergeStrategy = s
		}
	}
}

// WithKeyGenerator replaces the temporary key generator.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(m *Manager) {
		if g != nil {
			m.keyGen = g
		}
	}
}

// WithQueryOptions sets the comparison options ExecuteQueryLocally uses for
// queries that carry none.
func WithQueryOptions(o query.Options) Option {
	return func(m *Manager) { m.queryOptions = o }
}

// WithClock replaces time.Now for bundle timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func (m *Manager) observe(operation string, start time.Time, err error) {
	m.metrics.Observe(operation, err == nil, time.Since(start))
}

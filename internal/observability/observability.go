// Package observability carries the metrics, traces, health checks and
// anomaly warnings of ngao. Every part except the health checker is
// optional, and each one is nil-safe.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/ngao/internal/config"
	"github.com/jkaninda/ngao/internal/sandbox"
)

// Observability groups the enabled parts. Metrics, Tracer and Anomaly are
// nil when switched off; Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New enables what cfg asks for. A nil cfg leaves only the health checker.
func New(ctx context.Context, cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if m := cfg.Metrics; m != nil && m.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if a := cfg.Anomaly; a != nil && a.Enabled {
		obs.Anomaly = NewAnomalyDetector(a, logger)
	}
	ts, err := NewTracerSetup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs.Tracer = ts
	return obs, nil
}

// Instrumented reports whether any recording part is enabled.
func (o *Observability) Instrumented() bool {
	return o != nil && (o.Metrics != nil || o.Tracer != nil || o.Anomaly != nil)
}

// WrapExecutor returns inner wrapped with the enabled parts, or inner itself
// when nothing records.
func (o *Observability) WrapExecutor(inner sandbox.Executor) sandbox.Executor {
	if !o.Instrumented() {
		return inner
	}
	return NewInstrumentedExecutor(inner, o.Metrics, o.Tracer, o.Anomaly)
}

// Shutdown flushes the tracer, if any.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}

// MetricsOrNil returns the metrics collector, nil when disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the tracer setup, nil when disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

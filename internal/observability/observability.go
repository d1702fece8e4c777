// Package observability carries the optional operational surface of
// runbox: Prometheus metrics, OpenTelemetry tracing, liveness and
// readiness probes, and anomaly detection over execution outcomes.
// Every component can be switched off in config; consumers hold
// possibly-nil references and the wrappers degrade to no-ops rather
// than forcing nil checks on every call site.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/runbox/internal/config"
)

// Observability bundles the enabled components. A nil field means the
// feature is disabled; a nil *Observability means everything is.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *Health
}

// New assembles the components selected by config. A nil config
// disables the whole surface and returns nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{
		// Probes cost nothing until the gateway registers some, so
		// health is always on.
		Health: NewHealth(logger),
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// Shutdown flushes and releases held resources. Only tracing holds any.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup, tolerating a nil receiver.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector, tolerating a nil receiver.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

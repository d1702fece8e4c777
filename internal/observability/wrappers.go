package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/provider"
)

// InstrumentedProvider wraps a sandbox backend with metrics, tracing,
// and anomaly detection. All collaborators are optional — a nil
// collector or tracer just skips recording.
type InstrumentedProvider struct {
	inner   provider.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps a backend with observability.
func NewInstrumentedProvider(inner provider.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Kind() provider.Kind { return p.inner.Kind() }

func (p *InstrumentedProvider) ExecuteCode(ctx context.Context, req provider.CodeRequest) (*provider.ExecutionResult, error) {
	return p.execute(ctx, "code", func(ctx context.Context) (*provider.ExecutionResult, error) {
		return p.inner.ExecuteCode(ctx, req)
	})
}

func (p *InstrumentedProvider) ExecuteShell(ctx context.Context, req provider.ShellRequest) (*provider.ExecutionResult, error) {
	return p.execute(ctx, "shell", func(ctx context.Context) (*provider.ExecutionResult, error) {
		return p.inner.ExecuteShell(ctx, req)
	})
}

func (p *InstrumentedProvider) Cleanup(ctx context.Context) error {
	return p.inner.Cleanup(ctx)
}

func (p *InstrumentedProvider) execute(ctx context.Context, kind string, run func(context.Context) (*provider.ExecutionResult, error)) (*provider.ExecutionResult, error) {
	backend := string(p.inner.Kind())

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.backend", backend),
				attribute.String("sandbox.kind", kind),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := run(ctx)
	duration := time.Since(start).Seconds()

	status := executionStatus(res, err)

	if p.metrics != nil {
		p.metrics.ExecutionsTotal.WithLabelValues(backend, kind, status).Inc()
		p.metrics.ExecutionDuration.WithLabelValues(backend, kind).Observe(duration)
	}
	if span != nil {
		span.SetAttributes(attribute.String("sandbox.status", status))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	switch status {
	case "success", "guest_error":
		// Guest exceptions are the caller's bug, not a backend anomaly.
		p.anomaly.RecordSuccess(backend)
	default:
		p.anomaly.RecordError(backend)
	}

	return res, err
}

// executionStatus collapses an execution outcome into a metric label.
func executionStatus(res *provider.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return "backend_error"
	case res == nil || res.Error == nil:
		return "success"
	case res.Error.Kind == provider.ErrKindTimeout:
		return "timeout"
	case res.Error.Kind == provider.ErrKindGuestRuntime:
		return "guest_error"
	case res.Error.Kind == provider.ErrKindSnapshotCorrupt:
		return "snapshot_corrupt"
	default:
		return string(res.Error.Kind)
	}
}

var _ provider.Provider = (*InstrumentedProvider)(nil)

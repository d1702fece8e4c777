package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs != nil {
		t.Error("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when disabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when disabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background()) // must not panic
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer setup")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics")
	}
}

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("registry not created")
	}

	m.ExecutionsTotal.WithLabelValues("seatbelt", "code", "success").Inc()
	m.SafetyChecksTotal.WithLabelValues("code", "accepted").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/sessions", "200").Inc()
	m.ActiveSessions.Set(3)
	m.TruncationsTotal.WithLabelValues("stdout").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"runbox_engine_executions_total",
		"runbox_safety_checks_total",
		"runbox_http_requests_total",
		"runbox_active_sessions",
		"runbox_engine_truncations_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.ExecutionsTotal.WithLabelValues("docker", "code", "success").Inc()
	m.ExecutionsTotal.WithLabelValues("docker", "code", "success").Inc()
	m.ExecutionsTotal.WithLabelValues("docker", "code", "timeout").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "runbox_engine_executions_total" {
			found = true
			for _, metric := range f.GetMetric() {
				labels := labelMap(metric.GetLabel())
				if labels["status"] == "success" {
					if got := metric.GetCounter().GetValue(); got != 2 {
						t.Errorf("success count = %v, want 2", got)
					}
				}
				if labels["status"] == "timeout" {
					if got := metric.GetCounter().GetValue(); got != 1 {
						t.Errorf("timeout count = %v, want 1", got)
					}
				}
			}
		}
	}
	if !found {
		t.Error("runbox_engine_executions_total not found")
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- Health ---

func TestHealth_NoProbes(t *testing.T) {
	h := NewHealth(nil)
	report := h.Ready(context.Background())
	if report.Status != "ok" {
		t.Errorf("status = %q, want ok", report.Status)
	}
	if report.Probes != nil {
		t.Errorf("probes = %v, want none", report.Probes)
	}
}

func TestHealth_AllProbesPass(t *testing.T) {
	h := NewHealth(testLogger())
	h.Register("state", func(ctx context.Context) error { return nil })
	h.Register("backend", func(ctx context.Context) error { return nil })

	report := h.Ready(context.Background())
	if report.Status != "ok" {
		t.Errorf("status = %q, want ok", report.Status)
	}
	if len(report.Probes) != 2 {
		t.Errorf("probes = %d, want 2", len(report.Probes))
	}
}

func TestHealth_FailingProbeDegrades(t *testing.T) {
	h := NewHealth(testLogger())
	h.Register("state", func(ctx context.Context) error { return nil })
	h.Register("backend", func(ctx context.Context) error { return errors.New("daemon unreachable") })

	report := h.Ready(context.Background())
	if report.Status != "degraded" {
		t.Errorf("status = %q, want degraded", report.Status)
	}
	if report.Probes["backend"].Status != "fail" {
		t.Errorf("backend probe = %+v, want fail", report.Probes["backend"])
	}
	// A failing probe must not hide a healthy one.
	if report.Probes["state"].Status != "ok" {
		t.Errorf("state probe = %+v, want ok", report.Probes["state"])
	}
}

func TestHealth_ProbeDeadline(t *testing.T) {
	h := NewHealth(testLogger())
	h.Register("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("probe ran without a deadline")
		}
		return nil
	})
	if report := h.Ready(context.Background()); report.Status != "ok" {
		t.Errorf("status = %q, want ok", report.Status)
	}
}

func TestHealth_Liveness(t *testing.T) {
	h := NewHealth(nil)
	if got := h.Live().Status; got != "ok" {
		t.Errorf("liveness = %q, want ok", got)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("seatbelt")
	a.RecordSuccess("seatbelt")
	a.RecordRejection("sess")
}

func TestAnomalyDetector_Windows(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		RejectionThreshold: 3,
		WindowSeconds:      60,
	}, testLogger())

	for i := 0; i < 4; i++ {
		a.RecordError("docker")
	}
	a.RecordSuccess("docker")
	for i := 0; i < 5; i++ {
		a.RecordRejection("sess-1")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if got := a.errorCounts["docker"].sum(); got != 4 {
		t.Errorf("error sum = %v, want 4", got)
	}
	if got := a.rejections["sess-1"].sum(); got != 5 {
		t.Errorf("rejection sum = %v, want 5", got)
	}
}

// --- InstrumentedProvider ---

type fakeBackend struct {
	kind    provider.Kind
	result  *provider.ExecutionResult
	err     error
	cleaned bool
}

func (f *fakeBackend) ExecuteCode(ctx context.Context, req provider.CodeRequest) (*provider.ExecutionResult, error) {
	return f.result, f.err
}

func (f *fakeBackend) ExecuteShell(ctx context.Context, req provider.ShellRequest) (*provider.ExecutionResult, error) {
	return f.result, f.err
}

func (f *fakeBackend) Cleanup(ctx context.Context) error {
	f.cleaned = true
	return nil
}

func (f *fakeBackend) Kind() provider.Kind { return f.kind }

func counterValue(t *testing.T, m *MetricsCollector, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := labelMap(metric.GetLabel())
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestInstrumentedProvider_Success(t *testing.T) {
	m := NewMetricsCollector()
	inner := &fakeBackend{kind: provider.KindSeatbelt, result: &provider.ExecutionResult{Stdout: "ok"}}
	p := NewInstrumentedProvider(inner, m, nil, nil)

	res, err := p.ExecuteCode(context.Background(), provider.CodeRequest{Source: "x = 1"})
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if res.Stdout != "ok" {
		t.Errorf("result not passed through: %+v", res)
	}
	got := counterValue(t, m, "runbox_engine_executions_total",
		map[string]string{"backend": "seatbelt", "kind": "code", "status": "success"})
	if got != 1 {
		t.Errorf("success counter = %v, want 1", got)
	}
}

func TestInstrumentedProvider_TimeoutStatus(t *testing.T) {
	m := NewMetricsCollector()
	inner := &fakeBackend{kind: provider.KindDocker, result: &provider.ExecutionResult{
		ExitCode: 124,
		Error:    &provider.ExecError{Kind: provider.ErrKindTimeout, Message: "timed out"},
	}}
	p := NewInstrumentedProvider(inner, m, nil, nil)

	if _, err := p.ExecuteShell(context.Background(), provider.ShellRequest{Tokens: []string{"sleep", "99"}}); err != nil {
		t.Fatalf("ExecuteShell: %v", err)
	}
	got := counterValue(t, m, "runbox_engine_executions_total",
		map[string]string{"backend": "docker", "kind": "shell", "status": "timeout"})
	if got != 1 {
		t.Errorf("timeout counter = %v, want 1", got)
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	inner := &fakeBackend{kind: provider.KindRemote, err: errors.New("service down")}
	p := NewInstrumentedProvider(inner, nil, nil, nil)

	if _, err := p.ExecuteCode(context.Background(), provider.CodeRequest{}); err == nil {
		t.Fatal("expected error passthrough")
	}
	if err := p.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !inner.cleaned {
		t.Error("cleanup not forwarded")
	}
}

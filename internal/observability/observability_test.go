package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/ngao/internal/config"
	"github.com/jkaninda/ngao/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("nil config should disable metrics, tracing and anomaly detection")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Error("metrics should be enabled")
	}
	if obs.Anomaly == nil {
		t.Error("anomaly should be enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if !obs.Instrumented() {
		t.Error("metrics and anomaly detection count as instrumentation")
	}
}

func TestWrapExecutor(t *testing.T) {
	inner := &mockExecutor{result: &sandbox.ExecutionResult{}}

	bare, _ := New(context.Background(), nil, nil)
	if got := bare.WrapExecutor(inner); got != sandbox.Executor(inner) {
		t.Errorf("WrapExecutor without instrumentation = %T, want the inner executor", got)
	}

	full := &Observability{Metrics: NewMetricsCollector(), Health: NewHealthChecker(nil)}
	if _, ok := full.WrapExecutor(inner).(*InstrumentedExecutor); !ok {
		t.Error("WrapExecutor with metrics should instrument")
	}
}

func TestSampleRatioAndProtocol(t *testing.T) {
	for in, want := range map[float64]float64{0: 1, -1: 1, 0.25: 0.25, 1: 1, 3: 1} {
		if got := sampleRatio(in); got != want {
			t.Errorf("sampleRatio(%v) = %v, want %v", in, got, want)
		}
	}
	for in, want := range map[string]string{"": "grpc", "grpc": "grpc", "http": "http", "HTTP/2": "grpc"} {
		if got := protocolName(in); got != want {
			t.Errorf("protocolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}
}

func TestTracerSetup_NilIsNoop(t *testing.T) {
	var ts *TracerSetup
	ctx, span := ts.StartSpan(context.Background(), "test")
	span.End()
	if ctx == nil {
		t.Fatal("nil context from no-op span")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup = %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()

	// CounterVecs only appear in Gather after first use.
	m.RecordCommand(StatusSuccess, 10*time.Millisecond)
	m.RecordSecurityCheck("identity", "deny")
	m.RecordPayload("inline")
	m.RecordTransfer("upload", "success")
	done := m.RequestStarted("sh")
	done()
	m.RecordHTTP("GET", "/healthz", 200, time.Millisecond)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"ngao_command_executions_total",
		"ngao_command_execution_duration_seconds",
		"ngao_security_checks_total",
		"ngao_output_payloads_total",
		"ngao_transfers_total",
		"ngao_requests_total",
		"ngao_http_requests_total",
		"ngao_http_request_duration_seconds",
		"ngao_active_requests",
		"go_goroutines",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordCommand(StatusError, time.Second)
	m.RecordSecurityCheck("identity", "allow")
	m.RecordPayload("artifact")
	m.RecordTransfer("download", "failure")
	m.RequestStarted("ls")()
	m.RecordHTTP("POST", "/v1/command", 500, time.Second)
}

func TestMetricsCollector_RecordHTTP(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordHTTP("POST", "/v1/command", 429, time.Millisecond)
	m.RecordHTTP("POST", "/v1/command", 429, time.Millisecond)
	val := counterValue(t, m.Registry, "ngao_http_requests_total",
		prometheus.Labels{"method": "POST", "path": "/v1/command", "status_code": "429"})
	if val != 2 {
		t.Errorf("http requests = %v, want 2", val)
	}
}

func TestMetricsCollector_ActiveRequests(t *testing.T) {
	m := NewMetricsCollector()
	done := m.RequestStarted("sh")

	if got := gaugeValue(t, m.Registry, "ngao_active_requests"); got != 1 {
		t.Errorf("active requests = %v, want 1", got)
	}
	done()
	if got := gaugeValue(t, m.Registry, "ngao_active_requests"); got != 0 {
		t.Errorf("active requests after done = %v, want 0", got)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != StatusOK {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("audit_store", PingCheck(func(ctx context.Context) error { return errors.New("connection refused") }))
	h.AddCheck("sandbox_root", DirCheck(t.TempDir()))

	status := h.CheckReady(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if r := status.Checks["audit_store"]; r.Status != StatusFail || r.Message != "connection refused" {
		t.Errorf("audit_store check = %+v, want fail", r)
	}
	if status.Checks["sandbox_root"].Status != StatusOK {
		t.Errorf("sandbox_root check = %q, want ok", status.Checks["sandbox_root"].Status)
	}
}

func TestHealthChecker_ReplaceAndDeadline(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", PingCheck(nil))
	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("check ran without a deadline")
		}
		return nil
	})

	status := h.CheckReady(context.Background())
	if status.Status != StatusOK || len(status.Checks) != 2 {
		t.Errorf("status = %+v, want two passing checks", status)
	}
}

func TestDirCheck_Missing(t *testing.T) {
	if err := DirCheck(t.TempDir() + "/missing")(context.Background()); err == nil {
		t.Error("expected error for missing dir")
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != StatusOK {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.RecordDenial("42") {
		t.Error("nil detector reported an anomaly")
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = clock.now

	for i := 0; i < 4; i++ {
		a.RecordSuccess("command")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("command")
	}

	rate, samples := a.ErrorRate("command")
	if samples != 10 || rate != 0.6 {
		t.Errorf("ErrorRate = %v over %d, want 0.6 over 10", rate, samples)
	}
	if rate, samples := a.ErrorRate("other"); rate != 0 || samples != 0 {
		t.Errorf("unknown operation = %v over %d", rate, samples)
	}

	// Samples age out once the window has passed.
	clock.advance(61 * time.Second)
	if _, samples := a.ErrorRate("command"); samples != 0 {
		t.Errorf("samples after window = %d, want 0", samples)
	}
}

func TestAnomalyDetector_DenialThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, DenialThreshold: 3, WindowSeconds: 100}, nil)
	a.now = clock.now

	for i := 1; i <= 2; i++ {
		if a.RecordDenial("13") {
			t.Fatalf("denial %d flagged below threshold", i)
		}
		clock.advance(10 * time.Second)
	}
	if !a.RecordDenial("13") {
		t.Error("third denial should cross the threshold")
	}
	if a.RecordDenial("14") {
		t.Error("denials are tracked per identity")
	}

	clock.advance(101 * time.Second)
	if a.RecordDenial("13") {
		t.Error("old denials should have left the window")
	}
}

// --- InstrumentedExecutor ---

type mockExecutor struct {
	result *sandbox.ExecutionResult
	err    error
	called int
}

func (m *mockExecutor) Run(ctx context.Context, commandLine string, timeout time.Duration) (*sandbox.ExecutionResult, error) {
	m.called++
	return m.result, m.err
}

func TestInstrumentedExecutor_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		result *sandbox.ExecutionResult
		err    error
		want   string
	}{
		{"success", &sandbox.ExecutionResult{ExitCode: 0}, nil, StatusSuccess},
		{"failure", &sandbox.ExecutionResult{ExitCode: 2}, nil, StatusFailure},
		{"timeout", &sandbox.ExecutionResult{ExitCode: 124, TimedOut: true}, nil, StatusTimeout},
		{"start error", nil, errors.New("no shell"), StatusError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			inner := &mockExecutor{result: tc.result, err: tc.err}
			e := NewInstrumentedExecutor(inner, metrics, nil, nil)

			res, err := e.Run(context.Background(), "true", time.Second)
			if res != tc.result || err != tc.err {
				t.Errorf("Run() = %v, %v; want passthrough", res, err)
			}
			if inner.called != 1 {
				t.Errorf("inner called %d times, want 1", inner.called)
			}
			val := counterValue(t, metrics.Registry, "ngao_command_executions_total", prometheus.Labels{"status": tc.want})
			if val != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tc.want, val)
			}
		})
	}
}

func TestInstrumentedExecutor_NilMetrics(t *testing.T) {
	inner := &mockExecutor{result: &sandbox.ExecutionResult{}}
	e := NewInstrumentedExecutor(inner, nil, nil, nil)
	if _, err := e.Run(context.Background(), "true", time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestInstrumentedExecutor_AnomalyByProgram(t *testing.T) {
	a := NewAnomalyDetector(nil, nil)
	inner := &mockExecutor{result: &sandbox.ExecutionResult{ExitCode: 1}}
	e := NewInstrumentedExecutor(inner, nil, nil, a)

	for range 3 {
		_, _ = e.Run(context.Background(), "/usr/bin/systemctl restart nginx", time.Second)
	}
	rate, samples := a.ErrorRate("shell:systemctl")
	if samples != 3 || rate != 1 {
		t.Errorf("ErrorRate = %v over %d, want 1 over 3", rate, samples)
	}
}

func TestProgramName(t *testing.T) {
	tests := map[string]string{
		"df -h":              "df",
		"/usr/bin/uptime":    "uptime",
		"'my tool' --flag":   "my tool",
		"":                   "unknown",
		"echo 'unterminated": "unknown",
	}
	for in, want := range tests {
		if got := ProgramName(in); got != want {
			t.Errorf("ProgramName(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
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

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

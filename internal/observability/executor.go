package observability

import (
	"context"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngao/internal/sandbox"
)

// Shell execution outcomes, used as the status label of
// ngao_command_executions_total.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// InstrumentedExecutor records every shell run it forwards: one span, one
// metric sample, and one anomaly sample keyed by the program name.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

var _ sandbox.Executor = (*InstrumentedExecutor)(nil)

// NewInstrumentedExecutor wraps inner. Any of metrics, ts and anomaly may be
// nil.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  ts.Tracer(),
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Run(ctx context.Context, commandLine string, timeout time.Duration) (*sandbox.ExecutionResult, error) {
	program := ProgramName(commandLine)

	ctx, span := e.tracer.Start(ctx, "shell.run", trace.WithAttributes(
		attribute.String("shell.program", program),
		attribute.Float64("shell.timeout_seconds", timeout.Seconds()),
	))
	defer span.End()

	start := time.Now()
	result, err := e.inner.Run(ctx, commandLine, timeout)
	status := ExecutionStatus(result, err)
	e.metrics.RecordCommand(status, time.Since(start))

	annotate(span, result, err)

	op := "shell:" + program
	if status == StatusSuccess {
		e.anomaly.RecordSuccess(op)
	} else {
		e.anomaly.RecordError(op)
	}
	return result, err
}

func annotate(span trace.Span, result *sandbox.ExecutionResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if result == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("shell.exit_code", result.ExitCode),
		attribute.Bool("shell.timed_out", result.TimedOut),
		attribute.Int("shell.output_bytes", len(result.Stdout)+len(result.Stderr)),
	)
	if result.TimedOut {
		span.SetStatus(codes.Error, "timed out")
	}
}

// ExecutionStatus maps a run outcome to its status label. A non-zero exit is
// a failure; an error before the process ran is an error.
func ExecutionStatus(result *sandbox.ExecutionResult, err error) string {
	switch {
	case err != nil || result == nil:
		return StatusError
	case result.TimedOut:
		return StatusTimeout
	case result.ExitCode != 0:
		return StatusFailure
	default:
		return StatusSuccess
	}
}

// ProgramName returns the base name of the first word of commandLine, or
// "unknown" when the line does not parse.
func ProgramName(commandLine string) string {
	words, err := shellquote.Split(commandLine)
	if err != nil || len(words) == 0 {
		return "unknown"
	}
	return filepath.Base(words[0])
}

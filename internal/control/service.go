package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jkaninda/ngao/internal/observability"
	"github.com/jkaninda/ngao/internal/output"
	"github.com/jkaninda/ngao/internal/sandbox"
	"github.com/jkaninda/ngao/internal/security"
	"github.com/jkaninda/ngao/internal/sysinfo"
	"github.com/jkaninda/ngao/internal/workspace"
)

// Replies shared by several handlers.
const (
	msgAccessDenied   = "Access denied. This bot is restricted to administrators."
	msgPathNotAllowed = "Path not allowed"
	msgNotFound       = "Not found"
	msgFileNotFound   = "File not found"
	msgPolicyDenied   = "Command not allowed by policy."
	msgUnknown        = "Unknown command. Send /help for the list of commands."
)

// PowerRunner launches a command without waiting for it.
// Satisfied by *sandbox.ShellExecutor.
type PowerRunner interface {
	RunDetached(commandLine string, timeout time.Duration)
}

// HostReporter produces host statistics for /sysinfo.
// Satisfied by *sysinfo.Reporter.
type HostReporter interface {
	Collect(ctx context.Context) (sysinfo.Snapshot, error)
}

// PowerConfig controls /power.
type PowerConfig struct {
	Enabled         bool
	Timeout         time.Duration
	RebootCommand   string
	ShutdownCommand string
}

// Config wires a Service. Workspace, Policy, Gate, Executor and Router are
// required; the rest may be nil.
type Config struct {
	Workspace *workspace.Workspace
	Policy    *security.CommandPolicy
	Gate      *security.Gate
	Executor  sandbox.Executor
	Router    *output.Router
	Host      HostReporter
	Power     PowerRunner
	Audit     security.Auditor
	Metrics   *observability.MetricsCollector
	Tracer    *observability.TracerSetup
	Anomaly   *observability.AnomalyDetector

	CommandTimeout   time.Duration
	MaxTransferBytes int64
	PowerSettings    PowerConfig
}

type handlerFunc func(ctx context.Context, req *Request, resp Responder) error

// Service executes operator requests. It is safe for concurrent use: all
// per-request state lives on the stack.
type Service struct {
	cfg      Config
	audit    security.Auditor
	logger   *slog.Logger
	handlers map[Operation]handlerFunc
}

// NewService creates a Service.
func NewService(cfg Config, logger *slog.Logger) *Service {
	audit := cfg.Audit
	if audit == nil {
		audit = security.NopAuditor{}
	}
	s := &Service{cfg: cfg, audit: audit, logger: logger}
	s.handlers = map[Operation]handlerFunc{
		OpStart:    s.handleHelp,
		OpHelp:     s.handleHelp,
		OpShell:    s.handleShell,
		OpList:     s.handleList,
		OpCat:      s.handleCat,
		OpDownload: s.handleDownload,
		OpUpload:   s.handleUpload,
		OpSysInfo:  s.handleSysInfo,
		OpPower:    s.handlePower,
		OpUnknown:  s.handleUnknown,
	}
	return s
}

// Handle runs req to completion, replying through resp. It never panics and
// never returns an error: every failure becomes a reply.
func (s *Service) Handle(ctx context.Context, req *Request, resp Responder) {
	if req == nil || req.Operation == OpNone {
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	ctx = security.ContextWithCorrelationID(ctx, req.CorrelationID)

	ctx, span := s.cfg.Tracer.StartSpan(ctx, "control.handle",
		attribute.String("control.operation", string(req.Operation)),
		attribute.String("control.correlation_id", req.CorrelationID),
	)
	defer span.End()

	done := s.cfg.Metrics.RequestStarted(string(req.Operation))
	defer done()

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "panic while handling request",
				slog.String("correlation_id", req.CorrelationID),
				slog.String("operation", string(req.Operation)),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			span.SetStatus(codes.Error, "panic")
			s.reply(ctx, resp, internalError(req.CorrelationID))
		}
	}()

	if s.cfg.Gate.Authorize(ctx, req.Identity, string(req.Operation), req.Text) == security.Deny {
		s.cfg.Anomaly.RecordDenial(req.Identity)
		span.SetAttributes(attribute.Bool("control.denied", true))
		s.reply(ctx, resp, msgAccessDenied)
		return
	}

	s.logger.InfoContext(ctx, "request",
		slog.String("identity", req.Identity),
		slog.String("operation", string(req.Operation)),
		slog.String("correlation_id", req.CorrelationID),
	)

	handler, ok := s.handlers[req.Operation]
	if !ok {
		handler = s.handleUnknown
	}
	if err := handler(ctx, req, resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.reply(ctx, resp, s.replyForError(ctx, req, err))
	}
}

// Failure is an error carrying the exact text the operator should see.
type Failure struct {
	Reply string
	Err   error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Reply + ": " + f.Err.Error()
	}
	return f.Reply
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(reply string, err error) error {
	return &Failure{Reply: reply, Err: err}
}

// replyForError maps a handler error to operator-facing text. Unexpected
// errors are logged and answered with a reference to the correlation ID.
func (s *Service) replyForError(ctx context.Context, req *Request, err error) string {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return f.Reply
	case errors.Is(err, security.ErrAccessDenied):
		return msgPathNotAllowed
	case errors.Is(err, security.ErrCommandNotAllowed):
		return msgPolicyDenied
	case errors.Is(err, security.ErrTransfer):
		return "Transfer failed: " + strings.TrimPrefix(err.Error(), security.ErrTransfer.Error()+": ")
	case errors.Is(err, security.ErrNotFound):
		if req.Operation == OpList {
			return msgNotFound
		}
		return msgFileNotFound
	}
	s.logger.ErrorContext(ctx, "request failed",
		slog.String("correlation_id", req.CorrelationID),
		slog.String("operation", string(req.Operation)),
		slog.String("error", err.Error()),
	)
	return internalError(req.CorrelationID)
}

func internalError(correlationID string) string {
	return "Internal error (ref " + correlationID + ")"
}

// reply sends text, logging delivery failures. Empty text is replaced with
// a marker since transports reject empty messages.
func (s *Service) reply(ctx context.Context, resp Responder, text string) {
	if text == "" {
		text = "(no output)"
	}
	if err := resp.Reply(ctx, text); err != nil {
		s.logger.WarnContext(ctx, "reply failed",
			slog.String("correlation_id", security.CorrelationIDFromContext(ctx)),
			slog.String("error", err.Error()),
		)
	}
}

// deliver sends a routed payload and disposes of any artifact afterwards.
func (s *Service) deliver(ctx context.Context, resp Responder, p output.Payload) error {
	if p.Kind == output.Inline {
		s.reply(ctx, resp, p.Text)
		return nil
	}
	defer output.DisposeLogged(p, s.logger)
	if err := resp.ReplyFile(ctx, p.FilePath); err != nil {
		s.logger.WarnContext(ctx, "artifact delivery failed",
			slog.String("correlation_id", security.CorrelationIDFromContext(ctx)),
			slog.String("path", p.FilePath),
			slog.String("error", err.Error()),
		)
		return fail("Failed to send output: "+err.Error(),
			fmt.Errorf("%w: sending artifact: %w", security.ErrTransfer, err))
	}
	return nil
}

// routeAndDeliver routes text under prefix and delivers it.
func (s *Service) routeAndDeliver(ctx context.Context, resp Responder, text, prefix string) error {
	_, span := s.cfg.Tracer.StartSpan(ctx, "output.route",
		attribute.Int("output.length", len(text)),
	)
	p, err := s.cfg.Router.Route(text, prefix)
	if err == nil {
		span.SetAttributes(attribute.String("output.kind", p.Kind.String()))
	}
	span.End()
	if err != nil {
		return err
	}
	return s.deliver(ctx, resp, p)
}

// record appends an outcome to the audit trail. Failures are logged by the
// auditor and never fail the request.
func (s *Service) record(ctx context.Context, req *Request, target, result string, exitCode *int, err error) {
	event := security.AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: req.CorrelationID,
		Identity:      req.Identity,
		Operation:     string(req.Operation),
		Target:        security.Preview(target, 256),
		Result:        result,
		ExitCode:      exitCode,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if aerr := s.audit.LogAction(ctx, event); aerr != nil {
		s.logger.WarnContext(ctx, "audit write failed",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("error", aerr.Error()),
		)
	}
}

// resultFor classifies a handler error for the audit trail.
func resultFor(err error) string {
	switch {
	case err == nil:
		return security.ResultSuccess
	case errors.Is(err, security.ErrAccessDenied), errors.Is(err, security.ErrCommandNotAllowed):
		return security.ResultDenied
	default:
		return security.ResultFailure
	}
}

// Package httpapi implements the HTTP admin gateway for ngao.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison
//     of SHA-256 digests, raw keys are never stored)
//   - Request body size limits (default 1 MB)
//   - Per-identity rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngao/internal/control"
	"github.com/jkaninda/ngao/internal/observability"
	"github.com/jkaninda/ngao/internal/ratelimit"
	"github.com/jkaninda/ngao/internal/security"
	"github.com/jkaninda/ngao/internal/storage"
	"github.com/jkaninda/okapi"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultAuditLimit     = 50
	maxAuditLimit         = 500
	identityKey           = "identity"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Handler processes one parsed request.
type Handler interface {
	Handle(ctx context.Context, req *control.Request, resp control.Responder)
}

// Authorizer reports whether an identity is an administrator.
// Satisfied by *security.Gate.
type Authorizer interface {
	IsAdmin(identity string) bool
}

// Config configures the HTTP admin gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool              // Serve OpenAPI docs.
	APIKeys        map[string]string // SHA-256 hex of an API key → identity.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Audit read-back. AuditReader nil = the /v1/audit routes are disabled;
	// callers must pass Authorizer.IsAdmin.
	AuditReader storage.AuditRepository
	Authorizer  Authorizer

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP admin gateway.
type Gateway struct {
	config  Config
	handler Handler
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewGateway creates an HTTP admin gateway.
func NewGateway(cfg Config, h Handler, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		handler: h,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// Start registers the routes and serves until Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	maxSize := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer,
			"/v1/command", "/v1/audit", "/v1/audit/summary", "/healthz", "/readyz", g.metricsPath()))
	}

	group := g.okapi.Group("/v1", g.authenticate)
	group.Post("/command", g.handleCommand,
		okapi.DocSummary("Run one bot command"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(CommandResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	if g.config.AuditReader != nil {
		group.Get("/audit", g.handleAudit,
			okapi.DocSummary("List recent audit events"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]AuditEntry{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		)
		group.Get("/audit/summary", g.handleAuditSummary,
			okapi.DocSummary("Count audit events per result"),
			okapi.DocTags("Audit"),
			okapi.DocResponse(AuditSummary{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", g.metricsPath(), promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "ngao", Version: "v1"})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // /v1/command blocks for the whole shell run.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// CommandRequest is the JSON body for POST /v1/command.
type CommandRequest struct {
	Text string `json:"text"` // Same syntax as a chat message: "/ls docs", "!uptime".
}

// CommandResponse is the JSON response for POST /v1/command.
type CommandResponse struct {
	CorrelationID string     `json:"correlation_id"`
	Replies       []string   `json:"replies"`
	Files         []FileBody `json:"files,omitempty"`
}

// FileBody is a document the command replied with.
type FileBody struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Content string `json:"content"` // base64 (standard encoding).
}

// AuditEntry is one row of GET /v1/audit.
type AuditEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Identity      string    `json:"identity"`
	Operation     string    `json:"operation"`
	Target        string    `json:"target,omitempty"`
	Result        string    `json:"result"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// AuditSummary is the response of GET /v1/audit/summary.
type AuditSummary struct {
	Identity string           `json:"identity,omitempty"`
	Since    *time.Time       `json:"since,omitempty"`
	Total    int64            `json:"total"`
	Results  map[string]int64 `json:"results"`
}

func newAuditSummary(f storage.AuditFilter, counts map[string]int64) AuditSummary {
	out := AuditSummary{Identity: f.Identity, Results: counts}
	if out.Results == nil {
		out.Results = map[string]int64{}
	}
	if !f.Since.IsZero() {
		since := f.Since
		out.Since = &since
	}
	for _, n := range out.Results {
		out.Total += n
	}
	return out
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleCommand(c *okapi.Context) error {
	identity := c.GetString(identityKey)

	if err := g.limiter.Allow(identity); err != nil {
		wait := ratelimit.RetryAfter(err)
		g.logger.Warn("rate limit exceeded",
			slog.String("identity", identity),
			slog.Duration("retry_after", wait),
		)
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())))
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.AbortBadRequest("text is required")
	}

	return c.OK(g.execute(c.Context(), identity, req.Text))
}

// execute runs text through the handler and collects everything it replied.
func (g *Gateway) execute(ctx context.Context, identity, text string) *CommandResponse {
	req := control.NewRequest(identity, text, nil)
	resp := &collector{}
	g.handler.Handle(ctx, req, resp)

	out := &CommandResponse{
		CorrelationID: req.CorrelationID,
		Replies:       resp.replies,
		Files:         resp.files,
	}
	if out.Replies == nil {
		out.Replies = []string{}
	}
	return out
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	f, ok, err := g.auditFilter(c)
	if !ok {
		return err
	}
	events, err := g.config.AuditReader.Query(c.Context(), f)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to query audit trail")
	}
	return c.OK(toAuditEntries(events))
}

func (g *Gateway) handleAuditSummary(c *okapi.Context) error {
	f, ok, err := g.auditFilter(c)
	if !ok {
		return err
	}
	counts, err := g.config.AuditReader.CountByResult(c.Context(), f)
	if err != nil {
		g.logger.Error("audit summary failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to summarize audit trail")
	}
	return c.OK(newAuditSummary(f, counts))
}

// auditFilter admits administrators only and parses the query string. When
// ok is false the response has been written and err is the handler result.
func (g *Gateway) auditFilter(c *okapi.Context) (f storage.AuditFilter, ok bool, err error) {
	caller := c.GetString(identityKey)
	if g.config.Authorizer == nil || !g.config.Authorizer.IsAdmin(caller) {
		return f, false, c.JSON(http.StatusForbidden, ErrorBody{Error: "audit trail is restricted to administrators"})
	}
	f, perr := parseAuditFilter(c.Request().URL.Query(), time.Now())
	if perr != nil {
		return f, false, c.AbortBadRequest(perr.Error())
	}
	return f, true, nil
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker != nil {
		return c.OK(g.config.HealthChecker.CheckHealth())
	}
	return c.OK(&HealthResponse{Status: observability.StatusOK})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: observability.StatusOK})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (g *Gateway) metricsPath() string {
	if g.config.MetricsPath != "" {
		return g.config.MetricsPath
	}
	return "/metrics"
}

// --- Authentication ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		identity, ok := g.identityForKey(strings.TrimPrefix(authHeader, "Bearer "))
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set(identityKey, identity)
		return next(c)
	}
}

// identityForKey hashes apiKey and compares it against every configured
// digest in constant time.
func (g *Gateway) identityForKey(apiKey string) (string, bool) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(apiKey))
	presented := []byte(hex.EncodeToString(sum[:]))

	identity := ""
	for digest, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare(presented, []byte(strings.ToLower(digest))) == 1 {
			identity = id
		}
	}
	return identity, identity != ""
}

// --- Helpers ---

// parseAuditFilter reads identity, operation, result, since and limit.
// since is either a duration back from now ("24h") or an RFC 3339 time.
func parseAuditFilter(q url.Values, now time.Time) (storage.AuditFilter, error) {
	f := storage.AuditFilter{
		Identity:  strings.TrimSpace(q.Get("identity")),
		Operation: strings.TrimSpace(q.Get("operation")),
		Result:    strings.TrimSpace(q.Get("result")),
		Limit:     defaultAuditLimit,
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = min(n, maxAuditLimit)
	}

	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			f.Since = now.Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Since = ts
		} else {
			return f, fmt.Errorf("since must be a positive duration (24h) or an RFC 3339 time")
		}
	}
	return f, nil
}

func toAuditEntries(events []security.AuditEvent) []AuditEntry {
	out := make([]AuditEntry, len(events))
	for i, e := range events {
		out[i] = AuditEntry{
			Timestamp:     e.Timestamp,
			CorrelationID: e.CorrelationID,
			Identity:      e.Identity,
			Operation:     e.Operation,
			Target:        e.Target,
			Result:        e.Result,
			ExitCode:      e.ExitCode,
			Error:         e.Error,
		}
	}
	return out
}

// collector is a control.Responder that buffers replies for one HTTP response.
type collector struct {
	mu      sync.Mutex
	replies []string
	files   []FileBody
}

func (r *collector) Reply(_ context.Context, text string) error {
	r.mu.Lock()
	r.replies = append(r.replies, text)
	r.mu.Unlock()
	return nil
}

// ReplyFile inlines the file whole. Downloads and /cat are capped at the
// transfer ceiling before they get here; routed shell output is bounded only
// by the per-stream capture limit, and /ls listings by the directory size.
func (r *collector) ReplyFile(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", security.ErrTransfer, err)
	}
	r.mu.Lock()
	r.files = append(r.files, FileBody{
		Name:    filepath.Base(path),
		Size:    int64(len(data)),
		Content: base64.StdEncoding.EncodeToString(data),
	})
	r.mu.Unlock()
	return nil
}

// errNoUploads is returned by Fetch: JSON requests carry no attachments.
var errNoUploads = errors.New("uploads are not supported over the HTTP gateway")

func (r *collector) Fetch(context.Context, *control.Attachment, string) error {
	return fmt.Errorf("%w: %w", security.ErrTransfer, errNoUploads)
}

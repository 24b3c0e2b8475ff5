// Package telegram implements the Telegram Bot gateway for ngao using long
// polling or webhook mode.
//
// Security:
//   - Every message goes through the control service's access gate; the
//     gateway itself only maps Telegram users to identities
//   - Bot token from BOT_TOKEN / TELEGRAM_BOT_TOKEN, never logged
//   - Webhook path derived from bot token hash (prevents unauthorized POSTs)
//   - Per-identity rate limiting
//   - All requests logged with correlation IDs
package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/ngao/internal/control"
	"github.com/jkaninda/ngao/internal/ratelimit"
)

const (
	defaultAPIBaseURL  = "https://api.telegram.org"
	defaultPollTimeout = 30
	maxUpdateSize      = 256 << 10 // 256 KB
	maxAPIResponseSize = 1 << 20
	telegramSafeMaxLen = 4000 // Telegram allows 4096; keep a margin.
	retryDelay         = 2 * time.Second
)

// Handler processes a parsed request. Satisfied by *control.Service.
type Handler interface {
	Handle(ctx context.Context, req *control.Request, resp control.Responder)
}

// Config configures the Telegram gateway.
type Config struct {
	BotToken        string
	APIBaseURL      string   // Default: https://api.telegram.org.
	WebhookURL      string   // If set, use webhook mode. If empty, use long polling.
	ListenAddr      string   // For webhook mode.
	PollTimeout     int      // Long poll timeout in seconds. 0 = 30s default.
	NotifyLifecycle bool     // Send online/offline notices to Admins.
	Admins          []string // Telegram user IDs (also their private chat IDs).
	MaxFileBytes    int64    // Attachment download cap. 0 = unlimited.
}

// Gateway is the Telegram gateway.
type Gateway struct {
	config     Config
	handler    Handler
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	httpClient *http.Client // API calls, bounded by the poll timeout
	fileClient *http.Client // document transfers, bounded by context only

	mu             sync.Mutex
	server         *http.Server // nil in polling mode
	cancel         context.CancelFunc
	handlerCtx     context.Context // outlives cancel so Stop can drain
	cancelHandlers context.CancelFunc
	wg             sync.WaitGroup
}

// NewGateway creates a Telegram gateway.
func NewGateway(cfg Config, h Handler, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		handler: h,
		limiter: rl,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.pollTimeout()+10) * time.Second,
		},
		fileClient: &http.Client{},
		handlerCtx: context.Background(),
	}
}

// Start launches the gateway in webhook or long-polling mode and blocks.
func (g *Gateway) Start(ctx context.Context) error {
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.handlerCtx, g.cancelHandlers = handlerCtx, cancelHandlers
	g.mu.Unlock()

	if g.config.NotifyLifecycle {
		g.notifyAdmins(ctx, "ngao is online"+hostSuffix())
	}

	if g.config.WebhookURL != "" {
		return g.startWebhook(ctx)
	}
	return g.startPolling(ctx)
}

// Stop gracefully shuts down the gateway and waits for in-flight requests
// until ctx expires, then cancels whatever is still running.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel, server, cancelHandlers := g.cancel, g.server, g.cancelHandlers
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if server != nil {
		g.logger.Info("telegram gateway stopping webhook server")
		err = server.Shutdown(ctx)
	} else {
		g.logger.Info("telegram gateway stopping poller")
	}

	drained := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		g.logger.Warn("telegram gateway stopped with requests in flight")
	}
	if cancelHandlers != nil {
		cancelHandlers()
	}

	if g.config.NotifyLifecycle {
		g.notifyAdmins(ctx, "ngao is going offline"+hostSuffix())
	}
	return err
}

// --- Long Polling ---

func (g *Gateway) startPolling(ctx context.Context) error {
	g.logger.Info("telegram gateway starting long polling",
		slog.Int("timeout", g.config.pollTimeout()),
	)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		updates, err := g.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Error("telegram getUpdates failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		for i := range updates {
			g.processUpdate(&updates[i])
			if updates[i].UpdateID >= offset {
				offset = updates[i].UpdateID + 1
			}
		}
	}
}

func (g *Gateway) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var updates []Update
	err := g.call(ctx, g.httpClient, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         g.config.pollTimeout(),
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

// --- Webhook ---

func (g *Gateway) startWebhook(ctx context.Context) error {
	// Use a hash of the bot token as the webhook path to prevent unauthorized POSTs.
	secretPath := "/" + g.webhookSecret()

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+secretPath, g.handleWebhook)

	server := &http.Server{
		Addr:              g.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	hookURL := strings.TrimRight(g.config.WebhookURL, "/") + secretPath
	if err := g.call(ctx, g.httpClient, "setWebhook", map[string]any{
		"url":             hookURL,
		"allowed_updates": []string{"message"},
	}, nil); err != nil {
		g.logger.Error("telegram setWebhook failed", slog.String("error", err.Error()))
	}

	g.logger.Info("telegram gateway starting webhook",
		slog.String("addr", g.config.ListenAddr),
	)

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var update Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateSize)).Decode(&update); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	g.processUpdate(&update)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) webhookSecret() string {
	h := sha256.Sum256([]byte(g.config.BotToken))
	return hex.EncodeToString(h[:16]) // 32-char hex path
}

// --- Update Processing ---

// processUpdate maps an update to a request and handles it on its own
// goroutine, bound to the gateway's lifetime rather than the HTTP request.
func (g *Gateway) processUpdate(update *Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	var att *control.Attachment
	if d := msg.Document; d != nil {
		att = &control.Attachment{ID: d.FileID, Name: d.FileName, Size: d.FileSize}
	}

	identity := strconv.FormatInt(msg.From.ID, 10)
	req := control.NewRequest(identity, text, att)
	if req.Operation == control.OpNone {
		return
	}

	g.mu.Lock()
	ctx := g.handlerCtx
	g.mu.Unlock()

	resp := &chatResponder{gateway: g, chatID: msg.Chat.ID}

	if err := g.limiter.Allow(identity); err != nil {
		wait := ratelimit.RetryAfter(err)
		g.logger.Warn("telegram rate limited",
			slog.String("identity", identity),
			slog.Duration("retry_after", wait),
		)
		_ = resp.Reply(ctx, fmt.Sprintf("Rate limit exceeded. Try again in %s.", wait))
		return
	}

	g.logger.Info("telegram message",
		slog.String("identity", identity),
		slog.Int64("chat_id", msg.Chat.ID),
		slog.String("operation", string(req.Operation)),
		slog.String("correlation_id", req.CorrelationID),
	)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.handler.Handle(ctx, req, resp)
	}()
}

func (g *Gateway) notifyAdmins(ctx context.Context, text string) {
	for _, id := range g.config.Admins {
		chatID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		if err := g.sendText(ctx, chatID, text); err != nil {
			g.logger.Warn("telegram lifecycle notice failed",
				slog.String("admin", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func hostSuffix() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return " on " + h
	}
	return ""
}

// --- Helpers ---

func (c Config) pollTimeout() int {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return defaultPollTimeout
}

func (c Config) apiBase() string {
	if c.APIBaseURL != "" {
		return strings.TrimRight(c.APIBaseURL, "/")
	}
	return defaultAPIBaseURL
}

func (g *Gateway) apiURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", g.config.apiBase(), g.config.BotToken, method)
}

func (g *Gateway) fileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", g.config.apiBase(), g.config.BotToken, filePath)
}

// --- Message Splitting ---

// splitMessage splits text into chunks of at most maxLen runes. It splits
// at paragraph boundaries, then line boundaries, then word boundaries.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}

		candidate := string(runes[:maxLen])
		splitAt := -1

		// Priority 1: paragraph boundary (double newline).
		if idx := strings.LastIndex(candidate, "\n\n"); idx > 0 {
			splitAt = idx + 1
		}
		// Priority 2: line boundary.
		if splitAt < 0 {
			if idx := strings.LastIndex(candidate, "\n"); idx > 0 {
				splitAt = idx + 1
			}
		}
		// Priority 3: word boundary.
		if splitAt < 0 {
			if idx := strings.LastIndex(candidate, " "); idx > 0 {
				splitAt = idx + 1
			}
		}

		var n int
		if splitAt < 0 {
			n = maxLen // hard cut
		} else {
			n = len([]rune(candidate[:splitAt]))
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

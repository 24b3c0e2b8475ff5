package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngao/internal/config"
	"github.com/jkaninda/ngao/internal/gateway"
	"github.com/jkaninda/ngao/internal/gateway/cli"
	"github.com/jkaninda/ngao/internal/gateway/httpapi"
	"github.com/jkaninda/ngao/internal/gateway/telegram"
	"github.com/jkaninda/ngao/internal/ratelimit"
)

var servePort string

// shutdownGrace bounds how long in-flight requests may run after a signal.
const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the configured gateways (Telegram, HTTP, console)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ngao --config path` and `ngao serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		addConfigFlag(cmd)
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts every enabled gateway and blocks until a signal arrives
// or a gateway fails.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" && cfg.HTTPEnabled() {
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger, logCloser := newLogger(cfg.Logging)
	defer logCloser.Close()

	logger.Info("starting ngao",
		slog.String("version", version),
		slog.String("config", path),
		slog.String("base_dir", cfg.BaseDir),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return serve(sc, buildGateways(cfg, sc))
}

// serve runs gateways until SIGINT/SIGTERM or the first gateway exits.
func serve(sc *SharedComponents, gateways []gateway.Gateway) error {
	if len(gateways) == 0 {
		return fmt.Errorf("%w in config", gateway.ErrNoGateways)
	}
	sc.Logger.Info("gateways configured", slog.Int("count", len(gateways)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopSweeper, err := sc.Sweeper.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting spool sweeper: %w", err)
	}
	defer stopSweeper()

	return gateway.Run(ctx, sc.Logger, shutdownGrace, gateways...)
}

// buildGateways creates the enabled gateways. With no gateway configured at
// all, the local console is used.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways

	hasAnyGateway := gwCfg.CLI != nil || gwCfg.HTTP != nil || gwCfg.Telegram != nil
	if !hasAnyGateway {
		gws = append(gws, newConsoleGateway(cfg, sc))
		sc.Logger.Debug("gateway enabled", slog.String("type", "cli"), slog.String("reason", "default"))
		return gws
	}

	// CLI gateway.
	if gwCfg.CLI != nil && gwCfg.CLI.Enabled {
		gws = append(gws, newConsoleGateway(cfg, sc))
		sc.Logger.Debug("gateway enabled", slog.String("type", "cli"))
	}

	// HTTP admin gateway.
	if cfg.HTTPEnabled() {
		limiter := newLimiter(sc, "http", gwCfg.HTTP.RateLimit)

		httpCfg := httpapi.Config{
			ListenAddr:     gwCfg.HTTP.ListenAddr,
			APIKeys:        gwCfg.HTTP.APIKeyUserMapping,
			MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
			Authorizer:     sc.Gate,
			HealthChecker:  sc.Obs.Health,
			Metrics:        sc.Obs.MetricsOrNil(),
		}
		if sc.Store != nil {
			httpCfg.AuditReader = sc.Store.Audit()
		}
		if m := sc.Obs.MetricsOrNil(); m != nil {
			httpCfg.MetricsRegistry = m.Registry
		}
		if ts := sc.Obs.TracerOrNil(); ts != nil {
			httpCfg.Tracer = ts.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}

		gws = append(gws, httpapi.NewGateway(httpCfg, sc.Service, limiter, sc.Logger))
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", gwCfg.HTTP.ListenAddr),
			slog.Bool("audit_read", httpCfg.AuditReader != nil),
		)
	}

	// Telegram gateway.
	if cfg.TelegramEnabled() {
		limiter := newLimiter(sc, "telegram", gwCfg.Telegram.RateLimit)

		gws = append(gws, telegram.NewGateway(telegram.Config{
			BotToken:        gwCfg.Telegram.BotToken,
			APIBaseURL:      gwCfg.Telegram.APIBaseURL,
			WebhookURL:      gwCfg.Telegram.WebhookURL,
			ListenAddr:      gwCfg.Telegram.ListenAddr,
			PollTimeout:     gwCfg.Telegram.PollTimeoutSeconds,
			NotifyLifecycle: gwCfg.Telegram.NotifyLifecycle,
			Admins:          cfg.Admins,
			MaxFileBytes:    cfg.Limits.MaxTransferBytes,
		}, sc.Service, limiter, sc.Logger))

		mode := "long-polling"
		if gwCfg.Telegram.WebhookURL != "" {
			mode = "webhook"
		}
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "telegram"),
			slog.String("mode", mode),
		)
	}

	return gws
}

// newConsoleGateway creates the local console. Files the bot sends are
// copied to <data_dir>/downloads.
func newConsoleGateway(cfg *config.Config, sc *SharedComponents) *cli.Gateway {
	return cli.NewGateway(cli.Config{
		Identity: cfg.ConsoleIdentity(),
		SaveDir:  filepath.Join(cfg.ResolvedDataDir(), "downloads"),
	}, sc.Service, sc.Logger)
}

// newLimiter builds a per-gateway limiter whose idle buckets are dropped on
// the sweeper's schedule.
func newLimiter(sc *SharedComponents, name string, cfg config.RateLimitConfig) *ratelimit.Limiter {
	l := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.BurstSize,
	})
	if !l.Unlimited() && sc.Sweeper != nil {
		sc.Sweeper.AddTask(name+" rate limit buckets", l.Prune)
	}
	return l
}

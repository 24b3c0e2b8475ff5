package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jkaninda/ngao/internal/config"
	"github.com/jkaninda/ngao/internal/control"
	"github.com/jkaninda/ngao/internal/observability"
	"github.com/jkaninda/ngao/internal/output"
	"github.com/jkaninda/ngao/internal/sandbox"
	"github.com/jkaninda/ngao/internal/security"
	"github.com/jkaninda/ngao/internal/storage"
	pgstore "github.com/jkaninda/ngao/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/ngao/internal/storage/sqlite"
	"github.com/jkaninda/ngao/internal/sysinfo"
	"github.com/jkaninda/ngao/internal/workspace"
)

var configPath string

// addConfigFlag registers --config on cmd. Every command that loads the
// configuration shares the same variable.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

// loadConfig resolves the config path (NGAO_CONFIG wins over --config) and loads it.
func loadConfig() (*config.Config, string, error) {
	path := goutils.Env("NGAO_CONFIG", configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section. When a log
// file is configured, records go to stderr and to a size-rotated file.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    megabytes(cfg.MaxBytes),
			MaxBackups: cfg.Backups,
		}
		w = io.MultiWriter(os.Stderr, rotated)
		closer = rotated
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), closer
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// megabytes converts a byte budget to lumberjack's whole-megabyte unit,
// rounding up so a small budget still rotates.
func megabytes(n int64) int {
	const mb = 1 << 20
	if n <= 0 {
		return 1
	}
	return int((n + mb - 1) / mb)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SharedComponents holds every subsystem the serve and console modes need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // nil unless the audit driver is sqlite or postgres.
	Audit     security.Auditor
	Obs       *observability.Observability
	Gate      *security.Gate
	Shell     *sandbox.ShellExecutor
	Router    *output.Router
	Sweeper   *output.Sweeper
	Service   *control.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared wires the components behind every gateway.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	if err := sc.build(); err != nil {
		sc.Cleanup()
		return nil, err
	}
	return sc, nil
}

func (sc *SharedComponents) build() error {
	cfg, logger := sc.Config, sc.Logger

	// Workspace.
	ws, err := workspace.New(cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Data and spool directories.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	spoolDir := cfg.SpoolDir()
	if err := os.MkdirAll(spoolDir, 0700); err != nil {
		return fmt.Errorf("creating spool directory %s: %w", spoolDir, err)
	}

	// Observability.
	obs, err := observability.New(context.Background(), cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing traces", slog.String("error", err.Error()))
		}
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Audit trail.
	if err := sc.initAudit(); err != nil {
		return err
	}

	// Readiness checks.
	obs.Health.AddCheck("sandbox_root", observability.DirCheck(ws.Root))
	obs.Health.AddCheck("spool_dir", observability.DirCheck(spoolDir))
	if sc.Store != nil {
		obs.Health.AddCheck("audit_store", observability.PingCheck(sc.Store.Ping))
	}

	// Access gate.
	var checks security.CheckRecorder
	var payloads output.PayloadRecorder
	if obs.Metrics != nil {
		checks = obs.Metrics
		payloads = obs.Metrics
	}
	sc.Gate = security.NewGate(security.GateConfig{
		Admins:           cfg.Admins,
		PublicOperations: control.PublicOperations,
	}, sc.Audit, checks, logger)
	logger.Debug("access gate initialized", slog.Int("admins", len(cfg.Admins)))

	// Executor.
	sc.Shell = sandbox.NewShellExecutor(sandbox.ShellConfig{
		Dir:            ws.Root,
		Shell:          cfg.Shell.Shell,
		StripEnv:       cfg.SecretEnv(),
		MaxOutputBytes: cfg.Shell.MaxOutputBytes,
		DefaultTimeout: cfg.Shell.Timeout(),
	}, logger)
	executor := obs.WrapExecutor(sc.Shell)

	policy := security.NewCommandPolicy(cfg.Shell.AllowedCommands)
	if policy.Unrestricted() {
		logger.Warn("command allowlist is empty, every command is permitted")
	}

	// Output routing.
	sc.Router = output.NewRouter(cfg.Limits.MaxTextChars, spoolDir, payloads)
	sc.Sweeper = output.NewSweeper(output.SweeperConfig{
		Dir:      spoolDir,
		Schedule: cfg.Spool.Schedule,
		MaxAge:   cfg.Spool.MaxAge(),
	}, logger)
	logger.Debug("output router initialized",
		slog.Int("max_chars", sc.Router.MaxChars()),
		slog.String("spool_dir", sc.Router.Dir()),
	)

	sc.Service = control.NewService(control.Config{
		Workspace:        ws,
		Policy:           policy,
		Gate:             sc.Gate,
		Executor:         executor,
		Router:           sc.Router,
		Host:             sysinfo.NewReporter(sysinfo.HostSources(), ws.Root, logger),
		Power:            sc.Shell,
		Audit:            sc.Audit,
		Metrics:          obs.Metrics,
		Tracer:           obs.Tracer,
		Anomaly:          obs.Anomaly,
		CommandTimeout:   cfg.Shell.Timeout(),
		MaxTransferBytes: cfg.Limits.MaxTransferBytes,
		PowerSettings: control.PowerConfig{
			Enabled:         cfg.Power.Enabled,
			Timeout:         cfg.Power.Timeout(),
			RebootCommand:   cfg.Power.Reboot(),
			ShutdownCommand: cfg.Power.Shutdown(),
		},
	}, logger)

	return nil
}

// initAudit opens the audit backend selected by audit.driver.
func (sc *SharedComponents) initAudit() error {
	cfg, logger := sc.Config, sc.Logger

	switch cfg.Audit.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
		store, err := initStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing audit store: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		sc.Audit = security.NewStoreAuditor(store.Audit(), logger)

	case "jsonl":
		al, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
		if err != nil {
			return fmt.Errorf("initializing audit log: %w", err)
		}
		sc.Audit = al
		sc.addCleanup(func() { _ = al.Close() })

	default:
		sc.Audit = security.NopAuditor{}
	}

	logger.Debug("audit trail initialized", slog.String("driver", cfg.Audit.Driver))
	return nil
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Audit.Driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Audit.Driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var journalMode string
	if cfg.Audit.SQLite != nil {
		journalMode = cfg.Audit.SQLite.JournalMode
	}
	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Audit.Postgres
	if pg == nil || pg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set audit.postgres.dsn or NGAO_AUDIT_DSN)")
	}

	store, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}

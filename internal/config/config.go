// Package config handles loading and validating ngao configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// ErrConfiguration marks a configuration that cannot be started.
var ErrConfiguration = errors.New("invalid configuration")

// Defaults.
const (
	DefaultCommandTimeoutSeconds = 20
	DefaultMaxTextChars          = 3500
	DefaultMaxTransferBytes      = 45 * 1024 * 1024
	DefaultPowerTimeoutSeconds   = 5
	DefaultLogMaxBytes           = 1_000_000
	DefaultLogBackups            = 3
	DefaultSpoolSchedule         = "@every 15m"
	DefaultSpoolMaxAgeMinutes    = 60
)

// Config is the root configuration for ngao. It is loaded once at startup
// and never mutated afterwards.
type Config struct {
	BaseDir       string               `json:"base_dir" yaml:"base_dir"`                     // Sandbox root. Override: BASE_DIR. Default: "/".
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Audit DB, spool. Override: NGAO_DATA_DIR. Default: ~/.ngao.
	Admins        []string             `json:"admins" yaml:"admins"`                         // Authorized identities. Override: ADMIN_USER_IDS.
	Shell         ShellConfig          `json:"shell" yaml:"shell"`
	Limits        LimitsConfig         `json:"limits" yaml:"limits"`
	Power         PowerConfig          `json:"power" yaml:"power"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Spool         SpoolConfig          `json:"spool" yaml:"spool"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ShellConfig configures command authorization and execution.
type ShellConfig struct {
	AllowedCommands []string `json:"allowed_commands" yaml:"allowed_commands"`       // Executable basenames. Empty = unrestricted. Override: ALLOWED_SHELL_PREFIXES.
	TimeoutSeconds  int      `json:"timeout_seconds" yaml:"timeout_seconds"`         // Override: COMMAND_TIMEOUT_SEC. Default: 20.
	MaxOutputBytes  int      `json:"max_output_bytes" yaml:"max_output_bytes"`       // Per stream. Default: 8 MiB.
	StripEnv        []string `json:"strip_env,omitempty" yaml:"strip_env,omitempty"` // Extra variables hidden from commands.
	Shell           []string `json:"shell,omitempty" yaml:"shell,omitempty"`         // e.g. ["/bin/sh", "-c"]. Empty = detect.
}

// Timeout returns the command timeout with a default of 20s.
func (s ShellConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return DefaultCommandTimeoutSeconds * time.Second
}

// LimitsConfig bounds replies and file transfers.
type LimitsConfig struct {
	MaxTextChars     int   `json:"max_text_chars" yaml:"max_text_chars"`         // Inline reply ceiling in runes. Override: MAX_TEXT_REPLY_CHARS.
	MaxTransferBytes int64 `json:"max_transfer_bytes" yaml:"max_transfer_bytes"` // Upload/download/cat ceiling. Override: MAX_UPLOAD_BYTES.
}

// PowerConfig gates the reboot/shutdown operation.
type PowerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`                                       // Override: ALLOW_POWER_CMDS.
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`                       // Default: 5.
	RebootCommand   string `json:"reboot_command,omitempty" yaml:"reboot_command,omitempty"`     // Default: shutdown -r with reboot fallbacks.
	ShutdownCommand string `json:"shutdown_command,omitempty" yaml:"shutdown_command,omitempty"` // Default: shutdown -h with poweroff fallbacks.
}

// Timeout returns the power command timeout with a default of 5s.
func (p PowerConfig) Timeout() time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return DefaultPowerTimeoutSeconds * time.Second
}

// Default power command lines. Each falls back through the usual binaries.
const (
	DefaultRebootCommand   = "sudo /sbin/shutdown -r now || sudo /usr/sbin/reboot || sudo reboot"
	DefaultShutdownCommand = "sudo /sbin/shutdown -h now || sudo /usr/sbin/poweroff || sudo poweroff"
)

// Reboot returns the reboot command line.
func (p PowerConfig) Reboot() string {
	if p.RebootCommand != "" {
		return p.RebootCommand
	}
	return DefaultRebootCommand
}

// Shutdown returns the shutdown command line.
func (p PowerConfig) Shutdown() string {
	if p.ShutdownCommand != "" {
		return p.ShutdownCommand
	}
	return DefaultShutdownCommand
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`         // debug, info, warn, error. Override: LOG_LEVEL.
	Format   string `json:"format" yaml:"format"`       // "text" (default) or "json".
	File     string `json:"file" yaml:"file"`           // Rotated log file. Empty = stderr only. Override: LOG_FILE.
	MaxBytes int64  `json:"max_bytes" yaml:"max_bytes"` // Override: LOG_MAX_BYTES. Default: 1000000.
	Backups  int    `json:"backups" yaml:"backups"`     // Override: LOG_BACKUPS. Default: 3.
}

// AuditConfig selects the audit trail backend.
type AuditConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres", "jsonl" or "none".
	Path     string                 `json:"path,omitempty" yaml:"path,omitempty"`         // jsonl file. Default: <data_dir>/audit.jsonl.
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/ngao.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: NGAO_AUDIT_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SpoolConfig configures where artifacts are written and how orphans are swept.
type SpoolConfig struct {
	Dir           string `json:"dir,omitempty" yaml:"dir,omitempty"`     // Default: <data_dir>/spool.
	Schedule      string `json:"schedule" yaml:"schedule"`               // Cron spec. Default: "@every 15m".
	MaxAgeMinutes int    `json:"max_age_minutes" yaml:"max_age_minutes"` // Default: 60.
}

// MaxAge returns the orphan age threshold.
func (s SpoolConfig) MaxAge() time.Duration {
	if s.MaxAgeMinutes > 0 {
		return time.Duration(s.MaxAgeMinutes) * time.Minute
	}
	return DefaultSpoolMaxAgeMinutes * time.Minute
}

// GatewaysConfig groups the transports.
type GatewaysConfig struct {
	Telegram *TelegramGatewayConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	CLI      *CLIGatewayConfig      `json:"cli,omitempty" yaml:"cli,omitempty"`
	HTTP     *HTTPGatewayConfig     `json:"http,omitempty" yaml:"http,omitempty"`
}

// TelegramGatewayConfig configures the Telegram gateway.
// Bot token can be set here or via BOT_TOKEN / TELEGRAM_BOT_TOKEN env vars.
// Environment variable takes precedence over config value.
type TelegramGatewayConfig struct {
	Enabled            bool            `json:"enabled" yaml:"enabled"`
	BotToken           string          `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	APIBaseURL         string          `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"` // Default: https://api.telegram.org.
	WebhookURL         string          `json:"webhook_url" yaml:"webhook_url"`                       // Empty = long polling.
	ListenAddr         string          `json:"listen_addr" yaml:"listen_addr"`                       // Webhook listener.
	PollTimeoutSeconds int             `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds"`
	NotifyLifecycle    bool            `json:"notify_lifecycle" yaml:"notify_lifecycle"` // Tell admins when ngao goes online/offline.
	RateLimit          RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// CLIGatewayConfig configures the local console gateway.
type CLIGatewayConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Identity string `json:"identity" yaml:"identity"` // Identity presented to the gate. Default: first admin.
}

// HTTPGatewayConfig configures the HTTP admin gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key SHA-256 hex → identity.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-identity rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngao"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	DenialThreshold    int     `json:"denial_threshold" yaml:"denial_threshold"`         // Denials per identity per window. Default: 5.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.ngao/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngao.yaml"
	}
	return filepath.Join(home, ".ngao", "config.yaml")
}

// Load reads an optional JSON or YAML config file, applies environment
// overrides and returns a validated Config. An empty path, or a missing file
// at the default path, means environment-only configuration.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			if err := parse(resolved, data, &cfg); err != nil {
				return nil, err
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath():
			// Environment-only setup.
		default:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func parse(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: parsing YAML config %s: %v", ErrConfiguration, path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: parsing JSON config %s: %v", ErrConfiguration, path, err)
		}
	}
	return nil
}

// applyEnv applies environment overrides. Environment variables take
// precedence over config values.
func (c *Config) applyEnv() error {
	if v := os.Getenv("BASE_DIR"); v != "" {
		c.BaseDir = v
	}
	if v := os.Getenv("NGAO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("ADMIN_USER_IDS"); ok {
		c.Admins = ParseIdentityList(v)
	}
	if v, ok := os.LookupEnv("ALLOWED_SHELL_PREFIXES"); ok {
		c.Shell.AllowedCommands = ParseList(v)
	}
	if v, ok := os.LookupEnv("ALLOW_POWER_CMDS"); ok {
		c.Power.Enabled = ParseBool(v)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"COMMAND_TIMEOUT_SEC", &c.Shell.TimeoutSeconds},
		{"MAX_TEXT_REPLY_CHARS", &c.Limits.MaxTextChars},
		{"LOG_BACKUPS", &c.Logging.Backups},
	}
	for _, e := range ints {
		if err := envInt(e.name, e.dst); err != nil {
			return err
		}
	}
	if err := envInt64("MAX_UPLOAD_BYTES", &c.Limits.MaxTransferBytes); err != nil {
		return err
	}
	if err := envInt64("LOG_MAX_BYTES", &c.Logging.MaxBytes); err != nil {
		return err
	}

	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("NGAO_AUDIT_DSN"); v != "" {
		if c.Audit.Postgres == nil {
			c.Audit.Postgres = &PostgresStorageConfig{}
		}
		c.Audit.Postgres.DSN = v
	}

	// Gateway token override from environment. A token alone is enough to
	// enable Telegram.
	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if token != "" {
		if c.Gateways.Telegram == nil {
			c.Gateways.Telegram = &TelegramGatewayConfig{Enabled: true}
		}
		c.Gateways.Telegram.BotToken = token
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseDir) == "" {
		c.BaseDir = "/"
	}
	if c.DataDir == "" {
		c.DataDir = c.ResolvedDataDir()
	}
	if c.Shell.TimeoutSeconds == 0 {
		c.Shell.TimeoutSeconds = DefaultCommandTimeoutSeconds
	}
	if c.Limits.MaxTextChars == 0 {
		c.Limits.MaxTextChars = DefaultMaxTextChars
	}
	if c.Limits.MaxTransferBytes == 0 {
		c.Limits.MaxTransferBytes = DefaultMaxTransferBytes
	}
	if c.Logging.MaxBytes == 0 {
		c.Logging.MaxBytes = DefaultLogMaxBytes
	}
	if c.Logging.Backups == 0 {
		c.Logging.Backups = DefaultLogBackups
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "sqlite"
	}
	if c.Spool.Schedule == "" {
		c.Spool.Schedule = DefaultSpoolSchedule
	}
}

// ParseIdentityList splits on "," and ";". Entries that are not decimal
// integers are skipped.
func ParseIdentityList(s string) []string {
	var out []string
	for _, part := range splitList(s) {
		if _, err := strconv.ParseInt(part, 10, 64); err != nil {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseList splits on "," and ";" and drops blanks.
func ParseList(s string) []string {
	return splitList(s)
}

// ParseBool accepts 1/true/yes/y in any case.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func envInt(name string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrConfiguration, name, v)
	}
	*dst = n
	return nil
}

func envInt64(name string, dst *int64) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrConfiguration, name, v)
	}
	*dst = n
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".ngao")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite audit database path.
func (c *Config) DatabasePath() string {
	if c.Audit.SQLite != nil && c.Audit.SQLite.Path != "" {
		return c.Audit.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "ngao.db")
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// SpoolDir returns the artifact spool directory.
func (c *Config) SpoolDir() string {
	if c.Spool.Dir != "" {
		return c.Spool.Dir
	}
	return filepath.Join(c.ResolvedDataDir(), "spool")
}

// SecretEnv lists environment variables never passed to executed commands.
func (c *Config) SecretEnv() []string {
	return append([]string{"BOT_TOKEN", "TELEGRAM_BOT_TOKEN", "NGAO_AUDIT_DSN"}, c.Shell.StripEnv...)
}

// TelegramEnabled reports whether the Telegram gateway should start.
func (c *Config) TelegramEnabled() bool {
	return c.Gateways.Telegram != nil && c.Gateways.Telegram.Enabled
}

// HTTPEnabled reports whether the HTTP admin gateway should start.
func (c *Config) HTTPEnabled() bool {
	return c.Gateways.HTTP != nil && c.Gateways.HTTP.Enabled
}

// ConsoleIdentity returns the identity used by the local console.
func (c *Config) ConsoleIdentity() string {
	if c.Gateways.CLI != nil && c.Gateways.CLI.Identity != "" {
		return c.Gateways.CLI.Identity
	}
	if len(c.Admins) > 0 {
		return c.Admins[0]
	}
	return ""
}

func (c *Config) validate() error {
	if c.TelegramEnabled() && strings.TrimSpace(c.Gateways.Telegram.BotToken) == "" {
		return fmt.Errorf("%w: BOT_TOKEN is required for the telegram gateway", ErrConfiguration)
	}
	if len(c.Admins) == 0 {
		return fmt.Errorf("%w: ADMIN_USER_IDS must contain at least one identity", ErrConfiguration)
	}
	base, err := resolvePath(c.BaseDir)
	if err != nil {
		return fmt.Errorf("%w: base_dir %q: %v", ErrConfiguration, c.BaseDir, err)
	}
	info, err := os.Stat(base)
	if err != nil {
		return fmt.Errorf("%w: base_dir %s: %v", ErrConfiguration, base, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: base_dir %s is not a directory", ErrConfiguration, base)
	}
	if c.Shell.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: shell.timeout_seconds must be positive", ErrConfiguration)
	}
	if c.Shell.MaxOutputBytes < 0 {
		return fmt.Errorf("%w: shell.max_output_bytes must not be negative", ErrConfiguration)
	}
	if c.Limits.MaxTextChars <= 0 {
		return fmt.Errorf("%w: limits.max_text_chars must be positive", ErrConfiguration)
	}
	if c.Limits.MaxTransferBytes <= 0 {
		return fmt.Errorf("%w: limits.max_transfer_bytes must be positive", ErrConfiguration)
	}
	switch c.Audit.Driver {
	case "sqlite", "jsonl", "none":
	case "postgres":
		if c.Audit.Postgres == nil || c.Audit.Postgres.DSN == "" {
			return fmt.Errorf("%w: audit.postgres.dsn is required for the postgres driver", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: audit.driver %q is not supported (use sqlite, postgres, jsonl or none)", ErrConfiguration, c.Audit.Driver)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q is not supported (use text or json)", ErrConfiguration, c.Logging.Format)
	}
	if c.HTTPEnabled() && len(c.Gateways.HTTP.APIKeyUserMapping) == 0 {
		return fmt.Errorf("%w: gateways.http.api_key_user_mapping must not be empty", ErrConfiguration)
	}
	return nil
}

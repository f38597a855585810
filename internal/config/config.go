// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Static errors for configuration validation.
var (
	// ErrBackendBaseURLRequired is returned when BACKEND_BASE_URL is not set.
	ErrBackendBaseURLRequired = errors.New("config: BACKEND_BASE_URL is required")
	// ErrBackendAPIKeyRequired is returned when BACKEND_API_KEY is not set.
	ErrBackendAPIKeyRequired = errors.New("config: BACKEND_API_KEY is required")
	// ErrInvalidPoolSize is returned when WORKER_POOL_SIZE is below 1.
	ErrInvalidPoolSize = errors.New("config: WORKER_POOL_SIZE must be at least 1")
	// ErrInvalidSweepInterval is returned when SWEEP_INTERVAL is not positive.
	ErrInvalidSweepInterval = errors.New("config: SWEEP_INTERVAL must be positive")
	// ErrInvalidResultRetention is returned when RESULT_RETENTION is not positive.
	ErrInvalidResultRetention = errors.New("config: RESULT_RETENTION must be positive")
)

// DotEnvFile is loaded by Load when present. Variables already set in the
// environment take precedence.
const DotEnvFile = ".env"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port            int           `env:"PORT, default=8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=30s"`

	// Generation backend
	BackendBaseURL   string  `env:"BACKEND_BASE_URL, required"`
	BackendAPIKey    string  `env:"BACKEND_API_KEY, required"` // Masked in String
	BackendRateLimit float64 `env:"BACKEND_RATE_LIMIT, default=5"`
	DefaultTier      string  `env:"DEFAULT_TIER, default=balanced"`

	// Polling and artifact download
	PollMaxAttempts     int           `env:"POLL_MAX_ATTEMPTS, default=160"`
	PollBaseInterval    time.Duration `env:"POLL_BASE_INTERVAL, default=2s"`
	DownloadMaxAttempts int           `env:"DOWNLOAD_MAX_ATTEMPTS, default=5"`
	DownloadBackoffStep time.Duration `env:"DOWNLOAD_BACKOFF_STEP, default=2s"`

	// Worker pool
	WorkerPoolSize  int           `env:"WORKER_POOL_SIZE, default=3"`
	WorkerQueueSize int           `env:"WORKER_QUEUE_SIZE, default=32"`
	ResultRetention time.Duration `env:"RESULT_RETENTION, default=1h"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL, default=5m"`

	// Storage settings
	VolumeDir string `env:"VOLUME_DIR, default=/data/artifacts"`
	TempDir   string `env:"TEMP_DIR, default=/tmp/reelforge"`

	// Video fetcher
	YtDlpPath        string        `env:"YTDLP_PATH"`
	FFprobePath      string        `env:"FFPROBE_PATH, default=ffprobe"`
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT, default=60s"`
	FetchConcurrency int           `env:"FETCH_CONCURRENCY, default=2"`
	FetchMaxBytes    int64         `env:"FETCH_MAX_BYTES, default=536870912"`

	// Optional Telegram delivery
	TelegramBotToken    string `env:"TELEGRAM_BOT_TOKEN"` // Masked in String
	TelegramAPIEndpoint string `env:"TELEGRAM_API_ENDPOINT"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET"`
	S3Region           string `env:"S3_REGION"`
	S3Endpoint         string `env:"S3_ENDPOINT"`
	S3KeyPrefix        string `env:"S3_KEY_PREFIX"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`     // Masked in String
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"` // Masked in String

	// Logging settings
	LogFormat     string `env:"LOG_FORMAT, default=text"` // "json" or "text"
	LogLevel      string `env:"LOG_LEVEL, default=info"`  // "debug", "info", "warn", "error"
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB, default=50"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS, default=3"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS, default=14"`
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// TelegramEnabled returns true if a bot token is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// Load reads .env when present and then the process environment.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, err
	}
	return LoadFrom(context.Background(), envconfig.OsLookuper())
}

// LoadFrom reads configuration from l.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: cfg, Lookuper: l}); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "BACKEND_BASE_URL") {
			return nil, ErrBackendBaseURLRequired
		}
		if strings.Contains(err.Error(), "BACKEND_API_KEY") {
			return nil, ErrBackendAPIKeyRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.BackendBaseURL == "" {
		return ErrBackendBaseURLRequired
	}
	if c.BackendAPIKey == "" {
		return ErrBackendAPIKeyRequired
	}
	if c.WorkerPoolSize < 1 {
		return ErrInvalidPoolSize
	}
	if c.SweepInterval <= 0 {
		return ErrInvalidSweepInterval
	}
	if c.ResultRetention <= 0 {
		return ErrInvalidResultRetention
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs. When LogFile is set, the
// same records are also written to a size-rotated file.
func (c *Config) NewLogger() *slog.Logger {
	var w io.Writer = os.Stdout
	if c.LogFile != "" {
		w = io.MultiWriter(os.Stdout, c.logFileWriter())
	}
	return c.newLoggerTo(w)
}

func (c *Config) logFileWriter() *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAge:     c.LogMaxAgeDays,
		Compress:   true,
	}
}

func (c *Config) newLoggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, BackendBaseURL: %s, BackendAPIKey: %s, DefaultTier: %s, WorkerPoolSize: %d, "+
			"WorkerQueueSize: %d, VolumeDir: %s, TempDir: %s, Telegram: %s, S3Bucket: %s, S3Region: %s, "+
			"LogFormat: %s, LogLevel: %s, LogFile: %s}",
		c.Port,
		c.BackendBaseURL,
		mask(c.BackendAPIKey),
		c.DefaultTier,
		c.WorkerPoolSize,
		c.WorkerQueueSize,
		c.VolumeDir,
		c.TempDir,
		mask(c.TelegramBotToken),
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
		c.LogFile,
	)
}

func mask(secret string) string {
	if secret == "" {
		return "<unset>"
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

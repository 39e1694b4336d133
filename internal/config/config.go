package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	AllowedRoots     []string      `envconfig:"ALLOWED_ROOTS" required:"true"`
	OutputDir        string        `envconfig:"OUTPUT_DIR" required:"true"`
	MaxJobDuration   time.Duration `envconfig:"MAX_JOB_DURATION" default:"30m"`
	Workers          int           `envconfig:"WORKERS" default:"4"`
	QueueSize        int           `envconfig:"QUEUE_SIZE" default:"64"`
	ReaperInterval   time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepArtifactsFor time.Duration `envconfig:"KEEP_ARTIFACTS_FOR" default:"24h"`
	SkipExtensions   []string      `envconfig:"SKIP_EXTENSIONS"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"fulfillments.db"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"gamevault"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the invariants envconfig cannot express. Directory overlap is
// checked on canonical paths once the path guard is built.
func (c *Config) Validate() error {
	var errs []error

	roots := make([]string, 0, len(c.AllowedRoots))
	for _, r := range c.AllowedRoots {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}

	c.AllowedRoots = roots

	if len(c.AllowedRoots) == 0 {
		errs = append(errs, errors.New("at least one allowed root is required"))
	}

	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output dir is required"))
	}

	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}

	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}

	if c.MaxJobDuration <= 0 {
		errs = append(errs, errors.New("max job duration must be positive"))
	}

	if c.ReaperInterval <= 0 || c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("reaper and cleanup intervals must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

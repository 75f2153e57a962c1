package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is kerneld's environment-driven configuration.
type Config struct {
	// HTTPAddr is the listen address of the ops endpoint.
	HTTPAddr string `env:"KERNELD_HTTP_ADDR" envDefault:":8080"`

	// DSN is the SQLite database holding events, the command ledger,
	// reservations, state snapshots and the retry task table.
	DSN string `env:"KERNELD_DB" envDefault:"file:kerneld.db"`

	LogLevel  string `env:"KERNELD_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"KERNELD_LOG_FORMAT" envDefault:"text"`

	// CommandTTL bounds how long executed command records are kept for
	// duplicate detection before the sweeper purges them.
	CommandTTL time.Duration `env:"KERNELD_COMMAND_TTL" envDefault:"168h"`

	SweepInterval  time.Duration `env:"KERNELD_SWEEP_INTERVAL"   envDefault:"30s"`
	SweepBatchSize int           `env:"KERNELD_SWEEP_BATCH_SIZE" envDefault:"100"`

	RetryInitialDelay time.Duration `env:"KERNELD_RETRY_INITIAL_DELAY" envDefault:"100ms"`
	RetryMaxDelay     time.Duration `env:"KERNELD_RETRY_MAX_DELAY"     envDefault:"30s"`
	RetryMaxAttempts  int           `env:"KERNELD_RETRY_MAX_ATTEMPTS"  envDefault:"10"`

	DispatchPollInterval time.Duration `env:"KERNELD_DISPATCH_POLL_INTERVAL" envDefault:"250ms"`
	DispatchConcurrency  int           `env:"KERNELD_DISPATCH_CONCURRENCY"   envDefault:"4"`

	// DeadLetterDir is the directory retry tasks are archived to after
	// exhausting their queue attempts. Empty disables the archive.
	DeadLetterDir string `env:"KERNELD_DEADLETTER_DIR" envDefault:"deadletters"`

	// EventBusEnabled publishes appended events to NATS JetStream. With
	// no NATSURL an embedded server is started in-process.
	EventBusEnabled bool   `env:"KERNELD_EVENTBUS_ENABLED" envDefault:"false"`
	NATSURL         string `env:"KERNELD_NATS_URL"`

	Environment string `env:"KERNELD_ENVIRONMENT" envDefault:"dev"`
}

// LoadConfig reads configuration from the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Logger builds the process logger described by LogLevel and LogFormat.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is process-level configuration, sourced from the environment.
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// RunnerPollIntervalSec is how often the scheduler binary drives every
	// configured job definition through GenerateWorkplans.
	RunnerPollIntervalSec int `env:"RUNNER_POLL_INTERVAL_SEC" envDefault:"5" validate:"min=1,max=3600"`

	// JobDefinitionsPath points at the YAML file listing the named
	// schedules the runner drives (see config.LoadJobDefinitions).
	JobDefinitionsPath string `env:"JOB_DEFINITIONS_PATH" envDefault:"jobdefs.yaml" validate:"required"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

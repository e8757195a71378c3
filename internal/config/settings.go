package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings are the runtime knobs read from the environment. CLI flags
// override them.
type Settings struct {
	// DB is the SQLite database path.
	DB string `env:"ENTITYEVENTS_DB" envDefault:"entityevents.db"`

	// Config is an optional gate file (.yaml, .yml or .cue).
	Config string `env:"ENTITYEVENTS_CONFIG"`

	ResumeInterval time.Duration `env:"ENTITYEVENTS_RESUME_INTERVAL" envDefault:"30s"`
	MaxAttempts    int           `env:"ENTITYEVENTS_MAX_ATTEMPTS"    envDefault:"5"`
	StaleAfter     time.Duration `env:"ENTITYEVENTS_STALE_AFTER"     envDefault:"10m"`

	// ResumeRate caps resumption publishes per second.
	ResumeRate float64 `env:"ENTITYEVENTS_RESUME_RATE" envDefault:"50"`

	MaxDepth     int           `env:"ENTITYEVENTS_MAX_DEPTH"     envDefault:"32"`
	PollInterval time.Duration `env:"ENTITYEVENTS_POLL_INTERVAL" envDefault:"5s"`

	// Metrics prints the engine's OpenTelemetry metrics to the log output
	// every MetricsInterval and once more on exit.
	Metrics         bool          `env:"ENTITYEVENTS_METRICS"`
	MetricsInterval time.Duration `env:"ENTITYEVENTS_METRICS_INTERVAL" envDefault:"1m"`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks value ranges.
func (s Settings) Validate() error {
	var errs []error
	if s.DB == "" {
		errs = append(errs, errors.New("ENTITYEVENTS_DB must not be empty"))
	}
	if s.ResumeInterval <= 0 {
		errs = append(errs, errors.New("ENTITYEVENTS_RESUME_INTERVAL must be positive"))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, errors.New("ENTITYEVENTS_POLL_INTERVAL must be positive"))
	}
	if s.StaleAfter < 0 {
		errs = append(errs, errors.New("ENTITYEVENTS_STALE_AFTER must not be negative"))
	}
	if s.ResumeRate <= 0 {
		errs = append(errs, errors.New("ENTITYEVENTS_RESUME_RATE must be positive"))
	}
	if s.MetricsInterval <= 0 {
		errs = append(errs, errors.New("ENTITYEVENTS_METRICS_INTERVAL must be positive"))
	}
	if s.MaxDepth < 1 {
		errs = append(errs, errors.New("ENTITYEVENTS_MAX_DEPTH must be at least 1"))
	}
	return errors.Join(errs...)
}

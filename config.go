package tokenpool

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRenewalHorizon     = 24 * time.Hour
	DefaultRenewalInterval    = 10 * time.Minute
	DefaultImageTimeout       = 300 * time.Second
	DefaultPersistTimeout     = 10 * time.Second
	DefaultRefreshConcurrency = 8
)

// Config is the balancer configuration.
type Config struct {
	// AutoRefresh enables the renewal pass piggybacked on Select.
	AutoRefresh bool `yaml:"auto_refresh_enabled"`

	RenewalHorizon  time.Duration `yaml:"renewal_horizon"`
	RenewalInterval time.Duration `yaml:"renewal_interval"` // minimum gap between renewals of one token

	// ImageTimeout bounds an image operation and doubles as the exclusivity lease.
	ImageTimeout   time.Duration `yaml:"image_timeout"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// SchedulingMode is used when the registry cannot report one.
	SchedulingMode SchedulingMode `yaml:"scheduling_mode"`

	// Default per-token in-flight limits. Zero or negative means unlimited.
	ImageConcurrency int `yaml:"image_concurrency"`
	VideoConcurrency int `yaml:"video_concurrency"`

	RefreshConcurrency int `yaml:"refresh_concurrency"`

	// Tokens seeds an in-memory registry.
	Tokens []Token `yaml:"tokens"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		RenewalHorizon:     DefaultRenewalHorizon,
		RenewalInterval:    DefaultRenewalInterval,
		ImageTimeout:       DefaultImageTimeout,
		PersistTimeout:     DefaultPersistTimeout,
		SchedulingMode:     ModeRandom,
		RefreshConcurrency: DefaultRefreshConcurrency,
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tokenpool: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("tokenpool: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	if c.RenewalHorizon < 0 {
		return fmt.Errorf("%w: renewal_horizon must not be negative", ErrInvalidConfig)
	}
	if c.RenewalInterval < 0 {
		return fmt.Errorf("%w: renewal_interval must not be negative", ErrInvalidConfig)
	}
	if c.ImageTimeout < 0 {
		return fmt.Errorf("%w: image_timeout must not be negative", ErrInvalidConfig)
	}
	if c.PersistTimeout < 0 {
		return fmt.Errorf("%w: persist_timeout must not be negative", ErrInvalidConfig)
	}
	if _, err := ParseSchedulingMode(string(c.SchedulingMode)); err != nil {
		return err
	}

	ids := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.ID == "" {
			return fmt.Errorf("%w: tokens[%d]: id is required", ErrInvalidConfig, i)
		}
		if ids[t.ID] {
			return fmt.Errorf("%w: duplicate token id %q", ErrInvalidConfig, t.ID)
		}
		ids[t.ID] = true

		switch t.Plan {
		case "", PlanStandard, PlanPro:
		default:
			return fmt.Errorf("%w: tokens[%d] (%s): unknown plan %q", ErrInvalidConfig, i, t.ID, t.Plan)
		}
	}

	return nil
}

// withDefaults fills zero durations and limits left unset by a hand-built Config.
func (c Config) withDefaults() Config {
	if c.RenewalHorizon == 0 {
		c.RenewalHorizon = DefaultRenewalHorizon
	}
	if c.RenewalInterval == 0 {
		c.RenewalInterval = DefaultRenewalInterval
	}
	if c.ImageTimeout == 0 {
		c.ImageTimeout = DefaultImageTimeout
	}
	if c.PersistTimeout == 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.SchedulingMode == "" {
		c.SchedulingMode = ModeRandom
	}
	if c.RefreshConcurrency <= 0 {
		c.RefreshConcurrency = DefaultRefreshConcurrency
	}
	return c
}

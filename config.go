package muxplugin

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Config holds the registry settings that may come from a config file.
type Config struct {
	// DefaultPriority is used for middleware declared without Priority().
	DefaultPriority int `yaml:"default_priority"`
	// Verbosity is the highest logr V() level of the default logger.
	Verbosity int `yaml:"verbosity"`
	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string `yaml:"metrics_namespace"`
	// StrictSlashes is passed to hosts that support it.
	StrictSlashes bool `yaml:"strict_slashes"`
}

// DefaultConfig returns the settings used when no Config is given.
func DefaultConfig() Config {
	return Config{
		DefaultPriority:  DefaultPriority,
		Verbosity:        DEFAULT,
		MetricsNamespace: "muxplugin",
	}
}

// ParseConfig reads YAML on top of DefaultConfig and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, wrap(fmt.Errorf("%w: %v", ErrInvalidConfig, err), "Config", "ParseConfig", "yaml decode")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	if err := ValidatePriority(c.DefaultPriority); err != nil {
		return err
	}
	if c.Verbosity < 0 {
		return configErr("Config", "Validate", ErrInvalidConfig, "verbosity %d is negative", c.Verbosity)
	}
	if c.MetricsNamespace == "" {
		return configErr("Config", "Validate", ErrInvalidConfig, "metrics_namespace is empty")
	}
	return nil
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	config     Config
	logger     *logr.Logger
	registerer prometheus.Registerer
}

// WithConfig replaces the default settings.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithLogger sets the logger.  By default the registry logs to stderr.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithMetrics registers the registry's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

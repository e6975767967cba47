// Package config loads controller configuration from an optional YAML file and
// FIELDSAFE_-prefixed environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSAFE_MONITOR_RATE_HZ.
const EnvPrefix = "FIELDSAFE"

// #region types
// Config holds process configuration.
type Config struct {
	// DBPath is the SQLite audit database.
	DBPath string `mapstructure:"db_path"`
	// ActuatorAddr is the gRPC actuator address; empty runs against the simulated device.
	ActuatorAddr string `mapstructure:"actuator_addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`
	// OTLPEndpoint receives metrics; empty disables export.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	Monitor MonitorConfig `mapstructure:"monitor"`
	Safety  SafetyConfig  `mapstructure:"safety"`
	UQ      UQConfig      `mapstructure:"uq"`
}

// MonitorConfig tunes the emergency controller.
type MonitorConfig struct {
	RateHz          float64       `mapstructure:"rate_hz"`
	ProjectedLimit  int           `mapstructure:"projected_limit"`
	ProjectedWindow time.Duration `mapstructure:"projected_window"`
	ConfirmRetry    time.Duration `mapstructure:"confirm_retry"`
}

// SafetyConfig overrides the reference level table. Thresholds are keyed by level wire
// key (neural_ultra_safe, ...).
type SafetyConfig struct {
	Deadline   time.Duration      `mapstructure:"deadline"`
	Thresholds map[string]float64 `mapstructure:"thresholds"`
	// EnergyCoupling converts field magnitude to J/m³ for the drill's energy-density check.
	EnergyCoupling float64 `mapstructure:"energy_coupling"`
}

// UQConfig tunes the resolution engine.
type UQConfig struct {
	MinSamples int             `mapstructure:"min_samples"`
	Confidence float64         `mapstructure:"confidence"`
	Thresholds eval.Thresholds `mapstructure:"thresholds"`
}

// #endregion types

// #region load
// Load reads path (if non-empty) and the environment, applies defaults and validates.
// A missing file named explicitly is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	mon := shutdown.DefaultConfig()
	uq := eval.DefaultEvalConfig()

	v.SetDefault("db_path", "fieldsafe_audit.db")
	v.SetDefault("actuator_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
	v.SetDefault("otlp_endpoint", "")

	v.SetDefault("monitor.rate_hz", mon.RateHz)
	v.SetDefault("monitor.projected_limit", mon.ProjectedLimit)
	v.SetDefault("monitor.projected_window", mon.ProjectedWindow)
	v.SetDefault("monitor.confirm_retry", mon.ConfirmRetry)

	v.SetDefault("safety.deadline", safety.DefaultShutdownDeadline)
	v.SetDefault("safety.thresholds", map[string]float64{})
	v.SetDefault("safety.energy_coupling", safety.ReferenceEnergyCoupling)

	v.SetDefault("uq.min_samples", uq.MinSamples)
	v.SetDefault("uq.confidence", uq.Confidence)
	v.SetDefault("uq.thresholds.coverage", uq.Thresholds.Coverage)
	v.SetDefault("uq.thresholds.stability", uq.Thresholds.Stability)
	v.SetDefault("uq.thresholds.robustness", uq.Thresholds.Robustness)
	v.SetDefault("uq.thresholds.scaling", uq.Thresholds.Scaling)
	v.SetDefault("uq.thresholds.safety_factor", uq.Thresholds.SafetyFactor)
}

// Validate checks ranges that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if c.Monitor.RateHz <= 0 {
		return errors.New("config: monitor.rate_hz must be positive")
	}
	if c.Monitor.ProjectedLimit < 0 {
		return errors.New("config: monitor.projected_limit must not be negative")
	}
	if c.UQ.MinSamples < 1 {
		return errors.New("config: uq.min_samples must be at least 1")
	}
	if !(c.UQ.Confidence > 0 && c.UQ.Confidence < 1) {
		return fmt.Errorf("config: uq.confidence %g outside (0,1)", c.UQ.Confidence)
	}
	if c.Safety.Deadline < 0 {
		return errors.New("config: safety.deadline must not be negative")
	}
	if !(c.Safety.EnergyCoupling > 0) || math.IsInf(c.Safety.EnergyCoupling, 0) {
		return fmt.Errorf("config: safety.energy_coupling %g must be positive and finite", c.Safety.EnergyCoupling)
	}
	return nil
}

// #endregion load

// #region accessors
// Registry builds the level table from the reference specs plus overrides. A
// misordered override fails with a *safety.ConfigError.
func (c *Config) Registry() (*safety.Registry, error) {
	strength := make(map[safety.Level]float64, len(c.Safety.Thresholds))
	for key, limit := range c.Safety.Thresholds {
		l, err := safety.ParseLevel(key)
		if err != nil {
			return nil, fmt.Errorf("config: safety.thresholds: %w", err)
		}
		strength[l] = limit
	}
	return safety.DefaultRegistry().WithOverrides(strength, c.Safety.Deadline)
}

// ShutdownConfig returns the controller parameters.
func (c *Config) ShutdownConfig() shutdown.Config {
	return shutdown.Config{
		RateHz:          c.Monitor.RateHz,
		ProjectedLimit:  c.Monitor.ProjectedLimit,
		ProjectedWindow: c.Monitor.ProjectedWindow,
		ConfirmRetry:    c.Monitor.ConfirmRetry,
	}
}

// EvalConfig returns the UQ engine parameters.
func (c *Config) EvalConfig() eval.EvalConfig {
	return eval.EvalConfig{
		MinSamples: c.UQ.MinSamples,
		Confidence: c.UQ.Confidence,
		Thresholds: c.UQ.Thresholds,
	}
}

// LoggingConfig returns the logger parameters.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.LogLevel, Development: c.LogDevelopment}
}

// #endregion accessors

package config

import (
	"fmt"
	"time"
)

// BaseConfig provides the fields every observer shares
type BaseConfig struct {
	// Name is the observer instance name, used for logger and metric names
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// HealthCheckInterval for the health monitor (default: 30s)
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval" mapstructure:"health_check_interval"`

	// StopTimeout bounds graceful shutdown (default: 10s)
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout" mapstructure:"stop_timeout"`
}

// DefaultBaseConfig returns a BaseConfig with defaults applied
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Name:                "perfsampler",
		HealthCheckInterval: 30 * time.Second,
		StopTimeout:         10 * time.Second,
	}
}

// SetDefaults applies default values to unset fields
func (c *BaseConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "perfsampler"
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 10 * time.Second
	}
}

// Validate performs base configuration validation
func (c *BaseConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("observer name cannot be empty")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive, got %v", c.HealthCheckInterval)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive, got %v", c.StopTimeout)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete remflow configuration
type Config struct {
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Remediation RemediationConfig `yaml:"remediation"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// RuntimeConfig contains settings for the BSS runtime upstream
type RuntimeConfig struct {
	BaseURL           string `yaml:"base_url" env:"RUNTIME_BASE_URL" validate:"required,url"`
	APIKey            string `yaml:"api_key" env:"RUNTIME_API_KEY"`
	RequestsPerSecond int    `yaml:"requests_per_second" env:"RUNTIME_REQUESTS_PER_SECOND" validate:"min=1"`
}

// SchedulerConfig contains scheduler loop settings
type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled" env:"SCHEDULER_ENABLED"`
	IntervalSeconds int  `yaml:"interval_seconds" env:"SCHEDULER_INTERVAL" validate:"min=1"`
}

// Interval returns the scheduler check interval as a duration
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RemediationConfig contains migration polling settings
type RemediationConfig struct {
	InitialDelaySeconds int     `yaml:"initial_delay_seconds" env:"REMEDIATION_INITIAL_DELAY" validate:"min=0"`
	PollIntervalSeconds int     `yaml:"poll_interval_seconds" env:"REMEDIATION_POLL_INTERVAL" validate:"min=1"`
	MaxIntervalSeconds  int     `yaml:"max_interval_seconds" env:"REMEDIATION_MAX_INTERVAL" validate:"min=1"`
	BackoffFactor       float64 `yaml:"backoff_factor" env:"REMEDIATION_BACKOFF_FACTOR" validate:"min=1"`
	MaxDurationSeconds  int     `yaml:"max_duration_seconds" env:"REMEDIATION_MAX_DURATION" validate:"min=1"`
}

// InitialDelay returns the delay before the first poll
func (c RemediationConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds) * time.Second
}

// PollInterval returns the first poll interval
func (c RemediationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxInterval returns the poll interval ceiling
func (c RemediationConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalSeconds) * time.Second
}

// MaxDuration returns the overall polling budget
func (c RemediationConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationSeconds) * time.Second
}

// ServerConfig contains HTTP facade settings
type ServerConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
}

// Addr returns the listen address in host:port form
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" validate:"required,oneof=debug info warn error"`
	Format string `yaml:"format" env:"LOG_FORMAT" validate:"required,oneof=json console"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// Load loads configuration from file and environment variables.
// The file is optional; a missing path falls back to env and defaults.
func Load(configPath string) (*Config, error) {
	config := &Config{}

	if configPath != "" {
		if err := loadFromFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	setDefaults(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(configPath string, config *Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnvironment applies environment variable overrides
func loadFromEnvironment(config *Config) {
	// Runtime config
	if baseURL := os.Getenv("RUNTIME_BASE_URL"); baseURL != "" {
		config.Runtime.BaseURL = baseURL
	}
	if apiKey := os.Getenv("RUNTIME_API_KEY"); apiKey != "" {
		config.Runtime.APIKey = apiKey
	}
	if rps := os.Getenv("RUNTIME_REQUESTS_PER_SECOND"); rps != "" {
		if v, err := strconv.Atoi(rps); err == nil {
			config.Runtime.RequestsPerSecond = v
		}
	}

	// Scheduler config
	if enabled := os.Getenv("SCHEDULER_ENABLED"); enabled != "" {
		config.Scheduler.Enabled = enabled == "true" || enabled == "1"
	}
	if interval := os.Getenv("SCHEDULER_INTERVAL"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil {
			config.Scheduler.IntervalSeconds = v
		}
	}

	// Remediation config
	if delay := os.Getenv("REMEDIATION_INITIAL_DELAY"); delay != "" {
		if v, err := strconv.Atoi(delay); err == nil {
			config.Remediation.InitialDelaySeconds = v
		}
	}
	if interval := os.Getenv("REMEDIATION_POLL_INTERVAL"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil {
			config.Remediation.PollIntervalSeconds = v
		}
	}
	if maxInterval := os.Getenv("REMEDIATION_MAX_INTERVAL"); maxInterval != "" {
		if v, err := strconv.Atoi(maxInterval); err == nil {
			config.Remediation.MaxIntervalSeconds = v
		}
	}
	if factor := os.Getenv("REMEDIATION_BACKOFF_FACTOR"); factor != "" {
		if v, err := strconv.ParseFloat(factor, 64); err == nil {
			config.Remediation.BackoffFactor = v
		}
	}
	if maxDuration := os.Getenv("REMEDIATION_MAX_DURATION"); maxDuration != "" {
		if v, err := strconv.Atoi(maxDuration); err == nil {
			config.Remediation.MaxDurationSeconds = v
		}
	}

	// Server config
	if host := os.Getenv("HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			config.Server.Port = v
		}
	}

	// Log config
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Log.Format = format
	}
	if output := os.Getenv("LOG_OUTPUT"); output != "" {
		config.Log.Output = output
	}
}

// setDefaults sets default values for missing configuration
func setDefaults(config *Config) {
	// Runtime defaults
	if config.Runtime.BaseURL == "" {
		config.Runtime.BaseURL = "http://localhost:8080"
	}
	if config.Runtime.RequestsPerSecond == 0 {
		config.Runtime.RequestsPerSecond = 20
	}

	// Scheduler defaults
	if config.Scheduler.IntervalSeconds == 0 {
		config.Scheduler.IntervalSeconds = 60
	}

	// Remediation defaults
	if config.Remediation.InitialDelaySeconds == 0 {
		config.Remediation.InitialDelaySeconds = 10
	}
	if config.Remediation.PollIntervalSeconds == 0 {
		config.Remediation.PollIntervalSeconds = 10
	}
	if config.Remediation.MaxIntervalSeconds == 0 {
		config.Remediation.MaxIntervalSeconds = 60
	}
	if config.Remediation.BackoffFactor == 0 {
		config.Remediation.BackoffFactor = 2.0
	}
	if config.Remediation.MaxDurationSeconds == 0 {
		config.Remediation.MaxDurationSeconds = 1800
	}

	// Server defaults
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8082
	}

	// Log defaults
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "json"
	}
	if config.Log.Output == "" {
		config.Log.Output = "stdout"
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}

	if config.Remediation.MaxDurationSeconds < config.Remediation.InitialDelaySeconds {
		return fmt.Errorf("remediation.max_duration_seconds (%d) must be at least initial_delay_seconds (%d)",
			config.Remediation.MaxDurationSeconds, config.Remediation.InitialDelaySeconds)
	}
	if config.Remediation.MaxIntervalSeconds < config.Remediation.PollIntervalSeconds {
		return fmt.Errorf("remediation.max_interval_seconds (%d) must be at least poll_interval_seconds (%d)",
			config.Remediation.MaxIntervalSeconds, config.Remediation.PollIntervalSeconds)
	}

	return nil
}

// Package config loads and validates simwatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Serve   ServeConfig   `mapstructure:"serve"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServiceConfig locates the simulation service endpoints.
type ServiceConfig struct {
	// APIBase is the HTTP base URL for one-shot status requests.
	APIBase string `mapstructure:"api_base"`
	// StreamBase is the WebSocket base URL for the progress stream. Empty
	// derives it from APIBase by scheme substitution.
	StreamBase string `mapstructure:"stream_base"`
	// RequestTimeoutMs bounds each one-shot status request.
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
}

// MonitorConfig governs stream recovery and fallback polling behavior.
type MonitorConfig struct {
	WatchdogDelayMs  int `mapstructure:"watchdog_delay_ms"`
	PollIntervalMs   int `mapstructure:"poll_interval_ms"`
	PollFirstDelayMs int `mapstructure:"poll_first_delay_ms"`
	ReconnectDelayMs int `mapstructure:"reconnect_delay_ms"`
	MaxReconnects    int `mapstructure:"max_reconnects"`
	DialTimeoutMs    int `mapstructure:"dial_timeout_ms"`
}

// ServeConfig controls the local simulation double started by `simwatch serve`.
type ServeConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.api_base", "http://localhost:8080")
	v.SetDefault("service.request_timeout_ms", 3000)
	v.SetDefault("monitor.watchdog_delay_ms", 1000)
	v.SetDefault("monitor.poll_interval_ms", 200)
	v.SetDefault("monitor.poll_first_delay_ms", 1000)
	v.SetDefault("monitor.reconnect_delay_ms", 2000)
	v.SetDefault("monitor.max_reconnects", 3)
	v.SetDefault("monitor.dial_timeout_ms", 5000)
	v.SetDefault("serve.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Service.APIBase == "" {
		return fmt.Errorf("service.api_base must be set")
	}
	if c.Service.RequestTimeoutMs <= 0 {
		return fmt.Errorf("service.request_timeout_ms must be > 0")
	}
	if c.Monitor.PollIntervalMs <= 0 {
		return fmt.Errorf("monitor.poll_interval_ms must be > 0")
	}
	if c.Monitor.MaxReconnects < 0 {
		return fmt.Errorf("monitor.max_reconnects must be >= 0")
	}
	if c.Serve.Port <= 0 {
		return fmt.Errorf("serve.port must be > 0")
	}
	return nil
}

// StreamBaseURL returns the WebSocket base, deriving it from the API base
// when unset (http -> ws, https -> wss).
func (c Config) StreamBaseURL() string {
	if c.Service.StreamBase != "" {
		return c.Service.StreamBase
	}
	base := c.Service.APIBase
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// RequestTimeout converts the request timeout to a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Service.RequestTimeoutMs) * time.Millisecond
}

// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// BrowserConfig configures the headless browser session pool.
type BrowserConfig struct {
	MaxSessions   int    `mapstructure:"max_sessions"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// SchedulerConfig governs the dispatch loop.
type SchedulerConfig struct {
	TickSeconds int `mapstructure:"tick_seconds"`
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// NotifyConfig tunes the notification policy.
type NotifyConfig struct {
	IntervalSeconds  int    `mapstructure:"interval_seconds"`
	DailyQuota       int    `mapstructure:"daily_quota"`
	MinDelta         string `mapstructure:"min_delta"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
	SiteURL          string `mapstructure:"site_url"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEHOUND")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("browser.max_sessions", 3)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.user_agent", "pricehound-bot/0.1")
	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("scheduler.max_in_flight", 5)
	v.SetDefault("notify.interval_seconds", 60)
	v.SetDefault("notify.daily_quota", 100)
	v.SetDefault("notify.min_delta", "1.00")
	v.SetDefault("notify.failure_threshold", 2)
	v.SetDefault("notify.site_url", "http://localhost:8080")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.DB.MaxConns <= 0 {
		return fmt.Errorf("db.max_conns must be > 0")
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be > 0")
	}
	if c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Scheduler.MaxInFlight <= 0 {
		return fmt.Errorf("scheduler.max_in_flight must be > 0")
	}
	if c.Notify.DailyQuota <= 0 {
		return fmt.Errorf("notify.daily_quota must be > 0")
	}
	return nil
}

// Package config loads and validates server config from the environment and
// an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/abrezinsky/planningpoker/internal/gateway"
)

// Config holds server configuration
type Config struct {
	// Port is the HTTP listen port.
	Port int `mapstructure:"PORT"`
	// DBPath is the SQLite file holding session snapshots and settings.
	DBPath string `mapstructure:"DB_PATH"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is text or json.
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// BaseURL is the public address used in share links and QR codes.
	// Empty means detect the LAN address at startup.
	BaseURL string `mapstructure:"BASE_URL"`
	// DecksFile is an optional YAML file with extra decks.
	DecksFile string `mapstructure:"DECKS_FILE"`
	// AllowedOrigins is a comma-separated CORS and websocket origin list.
	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`

	StaleAfter          time.Duration `mapstructure:"STALE_AFTER"`
	StaleSweepInterval  time.Duration `mapstructure:"STALE_SWEEP_INTERVAL"`
	SessionTTL          time.Duration `mapstructure:"SESSION_TTL"`
	ExpirySweepInterval time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	PersistInterval     time.Duration `mapstructure:"PERSIST_INTERVAL"`
	StatsInterval       time.Duration `mapstructure:"STATS_INTERVAL"`

	PingInterval   time.Duration `mapstructure:"PING_INTERVAL"`
	ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
	MaxMessageSize int64         `mapstructure:"MAX_MESSAGE_SIZE"`
}

// Load reads the given .env files (".env" when none are given), then builds
// and validates Config from the environment via Viper. Missing .env files
// are ignored. Variables already set in the environment win over .env
// values.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: reading env file: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	gw := gateway.DefaultConfig()

	v.SetDefault("PORT", 3001)
	v.SetDefault("DB_PATH", "planningpoker.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("BASE_URL", "")
	v.SetDefault("DECKS_FILE", "")
	v.SetDefault("ALLOWED_ORIGINS", "")

	v.SetDefault("STALE_AFTER", gw.StaleAfter)
	v.SetDefault("STALE_SWEEP_INTERVAL", gw.StaleSweepInterval)
	v.SetDefault("SESSION_TTL", gw.SessionTTL)
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", gw.ExpirySweepInterval)
	v.SetDefault("PERSIST_INTERVAL", gw.PersistInterval)
	v.SetDefault("STATS_INTERVAL", gw.StatsInterval)

	v.SetDefault("PING_INTERVAL", gw.PingInterval)
	v.SetDefault("READ_TIMEOUT", gw.ReadTimeout)
	v.SetDefault("WRITE_TIMEOUT", gw.WriteTimeout)
	v.SetDefault("MAX_MESSAGE_SIZE", gw.MaxMessageSize)
}

// splitList flattens comma-separated entries and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Validate checks that every setting is usable
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("config: DB_PATH must be set")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT %q is not one of text, json", c.LogFormat)
	}
	if c.BaseURL != "" && !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("config: BASE_URL %q must start with http:// or https://", c.BaseURL)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"STALE_AFTER", c.StaleAfter},
		{"STALE_SWEEP_INTERVAL", c.StaleSweepInterval},
		{"SESSION_TTL", c.SessionTTL},
		{"EXPIRY_SWEEP_INTERVAL", c.ExpirySweepInterval},
		{"PERSIST_INTERVAL", c.PersistInterval},
		{"STATS_INTERVAL", c.StatsInterval},
		{"PING_INTERVAL", c.PingInterval},
		{"READ_TIMEOUT", c.ReadTimeout},
		{"WRITE_TIMEOUT", c.WriteTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", d.name, d.value)
		}
	}
	if c.ReadTimeout <= c.PingInterval {
		return fmt.Errorf("config: READ_TIMEOUT (%s) must exceed PING_INTERVAL (%s)", c.ReadTimeout, c.PingInterval)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("config: MAX_MESSAGE_SIZE must be positive, got %d", c.MaxMessageSize)
	}
	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Gateway returns the hub settings
func (c *Config) Gateway() gateway.Config {
	gw := gateway.DefaultConfig()
	gw.StaleAfter = c.StaleAfter
	gw.StaleSweepInterval = c.StaleSweepInterval
	gw.SessionTTL = c.SessionTTL
	gw.ExpirySweepInterval = c.ExpirySweepInterval
	gw.PersistInterval = c.PersistInterval
	gw.StatsInterval = c.StatsInterval
	gw.PingInterval = c.PingInterval
	gw.ReadTimeout = c.ReadTimeout
	gw.WriteTimeout = c.WriteTimeout
	gw.MaxMessageSize = c.MaxMessageSize
	gw.CheckOrigin = gateway.AllowOrigins(c.AllowedOrigins)
	return gw
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the notification hub.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"storage"`
	Bark struct {
		Enabled        bool          `mapstructure:"enabled"`
		BaseURL        string        `mapstructure:"base_url"`
		Token          string        `mapstructure:"token"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"bark"`
	FCM struct {
		Enabled         bool   `mapstructure:"enabled"`
		CredentialsFile string `mapstructure:"credentials_file"`
	} `mapstructure:"fcm"`
	Push struct {
		Timeout    time.Duration `mapstructure:"timeout"`
		RatePerSec float64       `mapstructure:"rate_per_sec"`
		Burst      int           `mapstructure:"burst"`
		Workers    int           `mapstructure:"workers"`
	} `mapstructure:"push"`
	Engine struct {
		SweepSpec            string `mapstructure:"sweep_spec"`
		Workers              int    `mapstructure:"workers"`
		Timezone             string `mapstructure:"timezone"`
		DefaultSnoozeMinutes int    `mapstructure:"default_snooze_minutes"`
	} `mapstructure:"engine"`
	Crypto struct {
		// KeyBytes sizes generated Bark AES keys: 16, 24 or 32.
		KeyBytes int `mapstructure:"key_bytes"`
	} `mapstructure:"crypto"`
	Frontend struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"frontend"`
	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Log struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	} `mapstructure:"log"`
}

// Load reads the configuration from disk/environment using Viper.
// A missing file is fine; env vars (NOTIFY_HUB_HTTP_ADDR etc.) still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("notify_hub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if err := v.ReadInConfig(); err != nil && !isMissing(err) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isMissing(err error) bool {
	var nf viper.ConfigFileNotFoundError
	if errors.As(err, &nf) {
		return true
	}
	// SetConfigFile with an absent path surfaces as a plain fs error.
	return strings.Contains(err.Error(), "no such file")
}

func (c *Config) validate() error {
	if c.Storage.Path == "" {
		return errors.New("config: storage.path is required")
	}
	if c.Push.Workers <= 0 {
		return fmt.Errorf("config: push.workers must be positive, got %d", c.Push.Workers)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.DefaultSnoozeMinutes < 0 {
		return fmt.Errorf("config: engine.default_snooze_minutes must not be negative")
	}
	switch c.Crypto.KeyBytes {
	case 16, 24, 32:
	default:
		return fmt.Errorf("config: crypto.key_bytes must be 16, 24 or 32, got %d", c.Crypto.KeyBytes)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

// Location resolves engine.timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Engine.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("storage.path", "./data/notify-hub.db")

	v.SetDefault("bark.enabled", true)
	v.SetDefault("bark.base_url", "http://127.0.0.1:8080")
	v.SetDefault("bark.request_timeout", "10s")

	v.SetDefault("fcm.enabled", false)
	v.SetDefault("fcm.credentials_file", "")

	v.SetDefault("push.timeout", "15s")
	v.SetDefault("push.rate_per_sec", 20.0)
	v.SetDefault("push.burst", 10)
	v.SetDefault("push.workers", 8)

	v.SetDefault("engine.sweep_spec", "@every 1m")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.timezone", "UTC")
	v.SetDefault("engine.default_snooze_minutes", 60)

	v.SetDefault("crypto.key_bytes", 16)

	v.SetDefault("frontend.dir", "./web")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "change-me-secret")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

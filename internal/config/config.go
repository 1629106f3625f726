// Package config loads tagd configuration from a YAML file with environment
// overrides. Environment variables win over the file; the file wins over
// built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full tagd runtime configuration.
type Config struct {
	Listen    string    `mapstructure:"listen" yaml:"listen"`
	Registry  Registry  `mapstructure:"registry" yaml:"registry"`
	Auth      Auth      `mapstructure:"auth" yaml:"auth"`
	RateLimit RateLimit `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// Registry configures the AppTrust client. BaseURL and Token are mandatory
// for every command that talks to the registry; enforcement of that lives in
// the client constructor so one-shot commands fail fast with a clear error.
type Registry struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Token     string        `mapstructure:"token" yaml:"token"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ListLimit int           `mapstructure:"list_limit" yaml:"list_limit"`
}

// Auth configures inbound JWT validation on the webhook endpoints.
type Auth struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Authority string        `mapstructure:"authority" yaml:"authority"`
	Audience  string        `mapstructure:"audience" yaml:"audience"`
	JWKSTTL   time.Duration `mapstructure:"jwks_ttl" yaml:"jwks_ttl"`
}

// RateLimit bounds webhook calls per remote host.
type RateLimit struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// envBindings maps config keys to the environment variables the original
// deployment already sets; keeping the names lets existing manifests work
// unchanged.
var envBindings = map[string]string{
	"registry.base_url": "APPTRUST_BASE_URL",
	"registry.token":    "APPTRUST_ACCESS_TOKEN",
	"auth.authority":    "OIDC_AUTHORITY",
	"auth.audience":     "OIDC_AUDIENCE",
	"auth.enabled":      "AUTH_ENABLED",
	"listen":            "TAGD_LISTEN",
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("listen", ":8080")
	v.SetDefault("registry.timeout", 30*time.Second)
	v.SetDefault("registry.list_limit", 1000)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.audience", "bookverse:api")
	v.SetDefault("auth.jwks_ttl", time.Hour)
	v.SetDefault("rate_limit.rps", 10.0)
	v.SetDefault("rate_limit.burst", 20)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads configuration from path (optional) plus the environment.
// An empty path means env-and-defaults only.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Watch reloads the file at path on change and invokes onChange with the
// fresh config. Used by serve to pick up rotated registry tokens without a
// restart. Returns the viper instance so the caller keeps it alive.
func Watch(path string, log *slog.Logger, onChange func(*Config)) (*viper.Viper, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			log.Error("config reload failed; keeping previous config", "file", e.Name, "error", err)
			return
		}
		log.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return v, nil
}

// WriteStarter writes a commented starter config to path. Fails if the file
// already exists.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	// Durations are written as strings ("30s"), which both viper and a human
	// reader handle better than yaml's raw nanosecond integers.
	starter := map[string]any{
		"listen": ":8080",
		"registry": map[string]any{
			"base_url":   "https://apptrust.example.com/api/v1",
			"token":      "", // usually supplied via APPTRUST_ACCESS_TOKEN
			"timeout":    "30s",
			"list_limit": 1000,
		},
		"auth": map[string]any{
			"enabled":   true,
			"authority": "https://auth.example.com",
			"audience":  "bookverse:api",
			"jwks_ttl":  "1h",
		},
		"rate_limit": map[string]any{"rps": 10, "burst": 20},
	}

	data, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

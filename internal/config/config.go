// Package config loads CacheServer's configuration, following the
// teacher pack's viper + mapstructure idiom (Belphemur-SuperSubtitles's
// internal/config/config.go) but injected rather than reached through a
// package-level global: Load returns a *Config the caller threads
// through explicitly.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config mirrors the recognized options of spec.md §6, plus the ambient
// knobs SPEC_FULL.md adds (logging, metrics, persistence).
type Config struct {
	Cache struct {
		Port            int    `mapstructure:"port"`
		MaxItems        int    `mapstructure:"maxItems"`
		CleanupInterval int    `mapstructure:"cleanupInterval"`
		EvictionPolicy  string `mapstructure:"evictionPolicy"`
	} `mapstructure:"cache"`

	LogLevel string `mapstructure:"logLevel"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Persistence struct {
		Enabled  bool   `mapstructure:"enabled"`
		Path     string `mapstructure:"path"`
		Interval int    `mapstructure:"interval"`
	} `mapstructure:"persistence"`
}

// Load reads configuration from ./config.yaml (or ./config/config.yaml),
// overridden by CACHESERVER_-prefixed environment variables, applying
// the same defaults as spec.md §6.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CACHESERVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("cache.port", 5050)
	viper.SetDefault("cache.maxItems", 100)
	viper.SetDefault("cache.cleanupInterval", 60)
	viper.SetDefault("cache.evictionPolicy", "LFU")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("persistence.enabled", false)
	viper.SetDefault("persistence.path", "cacheserver.snapshot.json")
	viper.SetDefault("persistence.interval", 300)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LoadConfig reads the YAML configuration at path, applies defaults and
// environment overrides (SYNC_ prefix), and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "sync.db")

	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.apply_timeout", "10s")
	v.SetDefault("sync.default_policy", "central_priority")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.process_interval", "10s")
	v.SetDefault("scheduler.cache_interval", "30m")
	v.SetDefault("scheduler.auto_sync_interval", "1m")
	v.SetDefault("scheduler.connectivity_every", "5m")

	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.batch_size", 100)
	v.SetDefault("cache.probe_timeout", "2s")

	v.SetDefault("security.token_lifetime", "24h")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

package config

import (
	"time"
)

type Config struct {
	StoreID      string          `mapstructure:"store_id" validate:"required"`
	CentralStore string          `mapstructure:"central_store" validate:"required"`
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Cache        CacheConfig     `mapstructure:"cache"`
	Security     SecurityConfig  `mapstructure:"security"`
	Server       ServerConfig    `mapstructure:"server"`
	Metrics      MetricsConfig   `mapstructure:"metrics"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

// StateStorage selects the backing database for the sync queue and related
// state. Store-side processes typically run SQLite so the queue survives
// offline periods; the central server runs MySQL.
type StateStorage struct {
	Type     string `mapstructure:"type" validate:"required,oneof=mysql sqlite"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type SyncConfig struct {
	MaxAttempts   int    `mapstructure:"max_attempts" validate:"min=1"`
	BatchSize     int    `mapstructure:"batch_size" validate:"min=1"`
	ApplyTimeout  string `mapstructure:"apply_timeout"`
	DefaultPolicy string `mapstructure:"default_policy" validate:"omitempty,oneof=last_modified central_priority field_merge manual"`
}

func (s SyncConfig) GetApplyTimeout() time.Duration {
	return parseDurationOr(s.ApplyTimeout, 10*time.Second)
}

type SchedulerConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	ProcessInterval   string `mapstructure:"process_interval"`
	CacheInterval     string `mapstructure:"cache_interval"`
	AutoSyncInterval  string `mapstructure:"auto_sync_interval"`
	ConnectivityEvery string `mapstructure:"connectivity_every"`
}

func (s SchedulerConfig) GetProcessInterval() time.Duration {
	return parseDurationOr(s.ProcessInterval, 10*time.Second)
}

func (s SchedulerConfig) GetCacheInterval() time.Duration {
	return parseDurationOr(s.CacheInterval, 30*time.Minute)
}

func (s SchedulerConfig) GetAutoSyncInterval() time.Duration {
	return parseDurationOr(s.AutoSyncInterval, time.Minute)
}

func (s SchedulerConfig) GetConnectivityEvery() time.Duration {
	return parseDurationOr(s.ConnectivityEvery, 5*time.Minute)
}

type CacheConfig struct {
	Dir          string `mapstructure:"dir"`
	TTL          string `mapstructure:"ttl"`
	BatchSize    int    `mapstructure:"batch_size"`
	ProbeURL     string `mapstructure:"probe_url"`
	ProbeTimeout string `mapstructure:"probe_timeout"`
}

func (c CacheConfig) GetTTL() time.Duration {
	return parseDurationOr(c.TTL, time.Hour)
}

func (c CacheConfig) GetProbeTimeout() time.Duration {
	return parseDurationOr(c.ProbeTimeout, 2*time.Second)
}

type SecurityConfig struct {
	SecretKey     string `mapstructure:"secret_key" validate:"required"`
	TokenLifetime string `mapstructure:"token_lifetime"`
}

func (s SecurityConfig) GetTokenLifetime() time.Duration {
	return parseDurationOr(s.TokenLifetime, 24*time.Hour)
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDurationOr(s.ReadTimeout, 15*time.Second)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDurationOr(s.WriteTimeout, 15*time.Second)
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

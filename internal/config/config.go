package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/xxxsen/common/logger"
)

type Config struct {
	Database    DatabaseConfig   `json:"database"`
	Port        int              `json:"port"`
	JWTSecret   string           `json:"jwt_secret"`
	JWTTTLHours int              `json:"jwt_ttl_hours"`
	Admin       AdminConfig      `json:"admin"`
	LogConfig   logger.LogConfig `json:"log_config"`
	Ingest      IngestConfig     `json:"ingest"`
	S3          S3Config         `json:"s3"`
	Embedding   EmbeddingConfig  `json:"embedding"`
	Schedule    ScheduleConfig   `json:"schedule"`
	Watch       WatchConfig      `json:"watch"`
	CORSOrigins []string         `json:"cors_origins"`
	// LoginRateLimitSeconds spaces out login attempts per client.
	LoginRateLimitSeconds int `json:"login_rate_limit_seconds"`
}

type DatabaseConfig struct {
	Driver   string `json:"driver"`
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	Path     string `json:"path"`
}

type AdminConfig struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type IngestConfig struct {
	ChunkSize           int         `json:"chunk_size"`
	MaxRuntimeSeconds   int         `json:"max_runtime_seconds"`
	LeaseTimeoutSeconds int         `json:"lease_timeout_seconds"`
	TouchUnchanged      *bool       `json:"touch_unchanged"`
	KeyColumn           string      `json:"key_column"`
	ListColumns         []string    `json:"list_columns"`
	IgnoreColumns       []string    `json:"ignore_columns"`
	Retry               RetryConfig `json:"retry"`
}

type RetryConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	InitialBackoffMS int `json:"initial_backoff_ms"`
	MaxBackoffMS     int `json:"max_backoff_ms"`
}

type S3Config struct {
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	UsePathStyle bool   `json:"use_path_style"`
}

type EmbeddingConfig struct {
	Provider        string  `json:"provider"`
	APIKey          string  `json:"api_key"`
	BaseURL         string  `json:"base_url"`
	Model           string  `json:"model"`
	RatePerSecond   float64 `json:"rate_per_second"`
	CacheSize       int     `json:"cache_size"`
	CacheTTLMinutes int     `json:"cache_ttl_minutes"`
}

type ScheduleConfig struct {
	ResumePausedSpec      string `json:"resume_paused_spec"`
	CleanupSpec           string `json:"cleanup_spec"`
	CleanupMaxAgeDays     int    `json:"cleanup_max_age_days"`
	EmbeddingBackfillSpec string `json:"embedding_backfill_spec"`
}

type WatchConfig struct {
	Dir           string `json:"dir"`
	SettleSeconds int    `json:"settle_seconds"`
}

const (
	DefaultChunkSize = 250
	MaxChunkSize     = 5000
)

func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	v := viper.New()
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "yml" {
		ext = "yaml"
	}
	v.SetConfigFile(path)
	v.SetConfigType(ext)
	v.SetEnvPrefix("GLOSSARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	switch c.Database.Driver {
	case "":
		c.Database.Driver = "postgres"
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite")
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" && c.Database.DSN == "" {
		return fmt.Errorf("database.path is required for sqlite")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" && c.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required for postgres")
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LoginRateLimitSeconds == 0 {
		c.LoginRateLimitSeconds = 2
	}
	if c.JWTTTLHours == 0 {
		c.JWTTTLHours = 12
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if err := c.Ingest.applyDefaults(); err != nil {
		return err
	}
	if c.Embedding.Provider != "" {
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key is required when embedding.provider is set")
		}
		if c.Embedding.Model == "" {
			c.Embedding.Model = "text-embedding-004"
			if c.Embedding.Provider == "openai" {
				c.Embedding.Model = "text-embedding-3-small"
			}
		}
		if c.Embedding.CacheSize == 0 {
			c.Embedding.CacheSize = 4096
		}
		if c.Embedding.CacheTTLMinutes == 0 {
			c.Embedding.CacheTTLMinutes = 60
		}
		if c.Embedding.RatePerSecond <= 0 {
			c.Embedding.RatePerSecond = 5
		}
	}
	if c.Schedule.CleanupMaxAgeDays <= 0 {
		c.Schedule.CleanupMaxAgeDays = 30
	}
	return nil
}

func (c *IngestConfig) applyDefaults() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("ingest.chunk_size must be between 1 and %d", MaxChunkSize)
	}
	if c.MaxRuntimeSeconds == 0 {
		c.MaxRuntimeSeconds = 240
	}
	if c.LeaseTimeoutSeconds == 0 {
		c.LeaseTimeoutSeconds = 300
	}
	if c.TouchUnchanged == nil {
		touch := true
		c.TouchUnchanged = &touch
	}
	if c.KeyColumn == "" {
		c.KeyColumn = "Term"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoffMS == 0 {
		c.Retry.InitialBackoffMS = 200
	}
	if c.Retry.MaxBackoffMS == 0 {
		c.Retry.MaxBackoffMS = 5000
	}
	return nil
}

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"diagrun/internal/common/cache"
	"diagrun/internal/common/mq"
	"diagrun/internal/common/storage"
	"diagrun/internal/diagrun"
	"diagrun/internal/diagrun/archive"
	"diagrun/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultArtifactsRoot  = "diagnostics"
	defaultCommandTimeout = 60 * time.Second
	defaultStatusTTL      = 24 * time.Hour
	defaultStatusTimeout  = 2 * time.Second
	defaultHistoryLimit   = 32
	defaultFinalTopic     = "diagrun.result.final"
	defaultArchivePrefix  = "runs"
)

// EngineConfig holds engine CLI settings.
type EngineConfig struct {
	Binary         string        `yaml:"binary"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
}

// StatusConfig holds status persistence settings.
type StatusConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	Timeout      time.Duration `yaml:"timeout"`
	HistoryLimit int           `yaml:"historyLimit"`
	FinalTopic   string        `yaml:"finalTopic"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// Textfile is rewritten after every run when set (node_exporter textfile collector).
	Textfile string `yaml:"textfile"`
}

// AppConfig holds diagrun config. Redis, Kafka and MinIO are optional and only
// wired when their address is set.
type AppConfig struct {
	Logger  logger.Config       `yaml:"logger"`
	Engine  EngineConfig        `yaml:"engine"`
	Runner  diagrun.Config      `yaml:"runner"`
	Redis   cache.RedisConfig   `yaml:"redis"`
	Kafka   mq.KafkaConfig      `yaml:"kafka"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
	Archive archive.Config      `yaml:"archive"`
	Status  StatusConfig        `yaml:"status"`
	Metrics MetricsConfig       `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path and applies defaults. A missing file is only an error
// when the path was given explicitly.
func loadAppConfig(path string, explicit bool) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		err := loadYAML(path, &cfg)
		switch {
		case err == nil:
		case !explicit && errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if cfg.MinIO.Endpoint != "" && cfg.Archive.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required when minio is configured")
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logger.OutputPath == "" {
		// stdout carries the run result
		cfg.Logger.OutputPath = "stderr"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Engine.CommandTimeout == 0 {
		cfg.Engine.CommandTimeout = defaultCommandTimeout
	}
	if cfg.Runner.ArtifactsRoot == "" {
		cfg.Runner.ArtifactsRoot = defaultArtifactsRoot
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Status.Timeout == 0 {
		cfg.Status.Timeout = defaultStatusTimeout
	}
	if cfg.Status.HistoryLimit <= 0 {
		cfg.Status.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Status.FinalTopic == "" {
		cfg.Status.FinalTopic = defaultFinalTopic
	}
	if cfg.Runner.HookTimeout == 0 {
		cfg.Runner.HookTimeout = cfg.Status.Timeout
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = defaultArchivePrefix
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

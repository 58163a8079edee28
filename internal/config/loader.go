package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "toolforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if cfg.Storage.QuotaMB <= 0 {
		cfg.Storage.QuotaMB = cfg.Bot.MaxFileMB
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TOOLFORGE_PORT")
	setString(&cfg.Bot.Token, "BOT_TOKEN")
	setInt64(&cfg.Bot.MaxFileMB, "MAX_FILE_MB")
	setString(&cfg.Storage.Dir, "PERSIST_DIR")
	setInt64(&cfg.Storage.QuotaMB, "TOOLFORGE_JOB_QUOTA_MB")
	setInt(&cfg.Storage.RetentionHours, "PERSIST_RETENTION_HOURS")
	setMinutes(&cfg.Storage.CleanupInterval, "PERSIST_CLEANUP_INTERVAL_MINUTES")
	setInt(&cfg.Rate.PerUserPerMinute, "RATE_LIMIT_PER_USER_PER_MIN")
	setString(&cfg.Rate.RedisURL, "REDIS_URL")
	setDuration(&cfg.Rate.CleanupInterval, "TOOLFORGE_RATE_CLEANUP_INTERVAL")
	setInt(&cfg.Queue.Capacity, "TOOLFORGE_QUEUE_CAPACITY")
	setInt(&cfg.Queue.Workers, "TOOLFORGE_QUEUE_WORKERS")
	setDuration(&cfg.Queue.GracePeriod, "TOOLFORGE_QUEUE_GRACE")
	setDuration(&cfg.Session.TTL, "TOOLFORGE_SESSION_TTL")
	setDuration(&cfg.Session.SweepInterval, "TOOLFORGE_SESSION_SWEEP_INTERVAL")
	setInt64(&cfg.Cache.SizeMB, "TOOLFORGE_CACHE_SIZE_MB")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Service, "TOOLFORGE_LOG_SERVICE")
}

// validate checks that required fields are set and bounds are sane.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Storage.Dir == "" {
		return errors.New("storage.dir is required")
	}
	if cfg.Storage.QuotaMB < 1 {
		return errors.New("storage.quota_mb must be >= 1")
	}
	if cfg.Storage.RetentionHours < 1 {
		return errors.New("storage.retention_hours must be >= 1")
	}
	if cfg.Rate.PerUserPerMinute < 1 {
		return errors.New("rate.per_user_per_minute must be >= 1")
	}
	if cfg.Queue.Capacity < 1 {
		return errors.New("queue.capacity must be >= 1")
	}
	if cfg.Queue.Workers < 1 {
		return errors.New("queue.workers must be >= 1")
	}
	if cfg.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setMinutes reads a bare integer minute count, the historical format for
// the cleanup interval variable.
func setMinutes(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}

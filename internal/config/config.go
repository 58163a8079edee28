// Package config provides hierarchical configuration loading for ToolForge.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the ToolForge service.
type Config struct {
	Server  Server  `yaml:"server"`
	Bot     Bot     `yaml:"bot"`
	Storage Storage `yaml:"storage"`
	Rate    Rate    `yaml:"rate"`
	Queue   Queue   `yaml:"queue"`
	Session Session `yaml:"session"`
	Cache   Cache   `yaml:"cache"`
	NATS    NATS    `yaml:"nats"`
	Logging Logging `yaml:"logging"`
}

// Server holds the ops HTTP server configuration (health, ws status feed).
type Server struct {
	Port string `yaml:"port"`
}

// Bot holds Telegram transport configuration.
type Bot struct {
	Token     string `yaml:"token"`
	MaxFileMB int64  `yaml:"max_file_mb"`
}

// Storage holds workspace persistence configuration.
type Storage struct {
	Dir string `yaml:"dir"`
	// QuotaMB is the per-job workspace write budget. Zero means follow
	// bot.max_file_mb, so the accepted upload always fits the workspace.
	QuotaMB         int64         `yaml:"quota_mb"`
	RetentionHours  int           `yaml:"retention_hours"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Rate holds per-user rate limiter configuration. RedisURL switches the
// backend from the in-process bucket to the shared store.
type Rate struct {
	PerUserPerMinute int           `yaml:"per_user_per_minute"`
	RedisURL         string        `yaml:"redis_url"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// Queue holds job queue and worker pool configuration.
type Queue struct {
	Capacity    int           `yaml:"capacity"`
	Workers     int           `yaml:"workers"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Session holds conversational session configuration.
type Session struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Cache holds the result cache configuration. SizeMB 0 disables it.
type Cache struct {
	SizeMB int64 `yaml:"size_mb"`
}

// NATS holds the optional lifecycle event publisher configuration.
// An empty URL disables publishing.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port: "8080",
		},
		Bot: Bot{
			MaxFileMB: 15,
		},
		Storage: Storage{
			Dir:             "/data",
			RetentionHours:  24,
			CleanupInterval: 30 * time.Minute,
		},
		Rate: Rate{
			PerUserPerMinute: 30,
			CleanupInterval:  5 * time.Minute,
		},
		Queue: Queue{
			Capacity:    64,
			Workers:     4,
			GracePeriod: 500 * time.Millisecond,
		},
		Session: Session{
			TTL:           15 * time.Minute,
			SweepInterval: time.Minute,
		},
		Cache: Cache{
			SizeMB: 64,
		},
		Logging: Logging{
			Level:   "info",
			Service: "toolforge",
		},
	}
}

// Package config loads host configuration from the environment.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all host process configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Session SessionConfig
	Logging LogConfig
}

// ServerConfig holds the HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// StorageConfig holds persistence paths.
type StorageConfig struct {
	DBPath        string `envconfig:"DB_PATH" default:"data/sessions.db"`
	TranscriptDir string `envconfig:"TRANSCRIPT_DIR" default:"data/transcripts"`
}

// SessionConfig bounds the session registry.
type SessionConfig struct {
	MaxSessions int `envconfig:"MAX_SESSIONS" default:"16"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Package config loads relay configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds the settings of every relay tier. Each tier validates only the
// fields it uses.
type Config struct {
	// COMMS
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"implant-relay"`
	KVHistory uint8  `envconfig:"KV_HISTORY" default:"1"`

	// Transport edge
	TransportAddr          string        `envconfig:"TRANSPORT_ADDR" default:"0.0.0.0:8000"`
	HeartbeatInterval      time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"2s"`
	HeartbeatTimeoutFactor int           `envconfig:"HEARTBEAT_TIMEOUT_FACTOR" default:"5"`
	ServeDir               string        `envconfig:"SERVE_DIR" default:"serve"`
	ServeURLPrefix         string        `envconfig:"SERVE_URL_PREFIX" default:"/plugins/"`

	// Manager
	OperationTimeout time.Duration `envconfig:"OPERATION_TIMEOUT" default:"10s"`

	// Plugins
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"60s"`
	BundlerBucket  string        `envconfig:"BUNDLER_BUCKET" default:"bundler"`

	// Operation ledger; empty disables it on the manager tier.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	// MigrationPath overrides the migrations compiled into the binary.
	MigrationPath string `envconfig:"MIGRATION_PATH"`

	// Health, readiness and metrics
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateCommon() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required", logPrefix)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%s - HTTP_PORT %d out of range", logPrefix, c.HTTPPort)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForTransport checks the settings of the transport edge.
func (c *Config) ValidateForTransport() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.TransportAddr == "" {
		return fmt.Errorf("%s - TRANSPORT_ADDR is required", logPrefix)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%s - HEARTBEAT_INTERVAL must be positive", logPrefix)
	}
	if c.HeartbeatTimeoutFactor < 1 {
		return fmt.Errorf("%s - HEARTBEAT_TIMEOUT_FACTOR must be at least 1", logPrefix)
	}
	if !strings.HasPrefix(c.ServeURLPrefix, "/") {
		return fmt.Errorf("%s - SERVE_URL_PREFIX must start with /", logPrefix)
	}
	return nil
}

// ValidateForManager checks the settings of the manager tier.
func (c *Config) ValidateForManager() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("%s - OPERATION_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForPlugins checks the settings of the execution tier.
func (c *Config) ValidateForPlugins() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.OperationTimeout <= 0 || c.CommandTimeout <= 0 {
		return fmt.Errorf("%s - OPERATION_TIMEOUT and COMMAND_TIMEOUT must be positive", logPrefix)
	}
	if c.BundlerBucket == "" {
		return fmt.Errorf("%s - BUNDLER_BUCKET is required", logPrefix)
	}
	return nil
}

// ValidateForDB checks the settings of the ledger commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

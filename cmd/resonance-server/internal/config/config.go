// Package config loads the resonance server configuration from an optional file and
// RESONANCE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the server reads,
// e.g. RESONANCE_DATABASE_DSN for database.dsn.
const EnvPrefix = "RESONANCE"

// Config holds all configuration for the resonance server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the store.
type DatabaseConfig struct {
	Driver               string        `mapstructure:"driver"` // memory, sqlite3, mysql, postgres
	DSN                  string        `mapstructure:"dsn"`
	Prefix               string        `mapstructure:"prefix"`
	MaxRetriesOnDeadlock int           `mapstructure:"max_retries_on_deadlock"`
	CommandTimeout       time.Duration `mapstructure:"command_timeout"`
	MaxOpenConns         int           `mapstructure:"max_open_conns"`
}

// WorkerConfig holds background job configuration.
type WorkerConfig struct {
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	EnableNotifications  bool          `mapstructure:"enable_notifications"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Supported database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite3  = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", DriverSQLite3)
	v.SetDefault("database.dsn", "resonance.db")
	v.SetDefault("database.prefix", "resonance_")
	v.SetDefault("database.max_retries_on_deadlock", 5)
	v.SetDefault("database.command_timeout", 30*time.Second)
	v.SetDefault("database.max_open_conns", 0)

	v.SetDefault("worker.housekeeping_interval", 30*time.Second)
	v.SetDefault("worker.enable_notifications", true)

	v.SetDefault("log.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configFile (skipped when empty) and applies environment overrides on top.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Server.ShutdownTimeout, validation.Min(time.Duration(0))),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Driver, validation.Required,
			validation.In(DriverMemory, DriverSQLite3, DriverMySQL, DriverPostgres)),
		validation.Field(&c.Database.DSN, validation.When(c.Database.Driver != DriverMemory, validation.Required)),
		validation.Field(&c.Database.MaxRetriesOnDeadlock, validation.Min(0)),
		validation.Field(&c.Database.CommandTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Database.MaxOpenConns, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := validation.ValidateStruct(&c.Worker,
		validation.Field(&c.Worker.HousekeepingInterval, validation.Required, validation.Min(time.Millisecond)),
	); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Address returns the host:port the HTTP server listens on.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

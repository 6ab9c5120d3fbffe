package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, DriverSQLite3, cfg.Database.Driver)
	assert.Equal(t, "resonance_", cfg.Database.Prefix)
	assert.Equal(t, 5, cfg.Database.MaxRetriesOnDeadlock)
	assert.Equal(t, 30*time.Second, cfg.Worker.HousekeepingInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RESONANCE_SERVER_PORT", "9000")
	t.Setenv("RESONANCE_DATABASE_DRIVER", "postgres")
	t.Setenv("RESONANCE_DATABASE_DSN", "postgres://bus@localhost/bus?sslmode=disable")
	t.Setenv("RESONANCE_WORKER_HOUSEKEEPING_INTERVAL", "5s")
	t.Setenv("RESONANCE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://bus@localhost/bus?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 5*time.Second, cfg.Worker.HousekeepingInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resonance.yaml")
	content := `
server:
  port: 7070
database:
  driver: memory
  dsn: ""
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Host: "localhost", Port: 8080},
			Database: DatabaseConfig{Driver: DriverSQLite3, DSN: "bus.db"},
			Worker:   WorkerConfig{HousekeepingInterval: time.Second},
			Log:      LogConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"memory without dsn", func(c *Config) { c.Database.Driver = DriverMemory; c.Database.DSN = "" }, false},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, true},
		{"sql driver without dsn", func(c *Config) { c.Database.DSN = "" }, true},
		{"negative retries", func(c *Config) { c.Database.MaxRetriesOnDeadlock = -1 }, true},
		{"zero housekeeping interval", func(c *Config) { c.Worker.HousekeepingInterval = 0 }, true},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

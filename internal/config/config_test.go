package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/progress"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "127.0.0.1:8082", cfg.Worker.Addr)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "conveyor.db", cfg.Database.DSN)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, 1, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Queue.BackoffMax)
	assert.Equal(t, 30*time.Second, cfg.Queue.Lease)
	assert.Equal(t, 10, cfg.Queue.KeepCompleted)
	assert.Equal(t, 5, cfg.Queue.KeepFailed)
	assert.Equal(t, "@every 30s", cfg.Queue.MaintenanceSchedule)
	assert.Equal(t, "outputs", cfg.Runner.OutputsRoot)
	assert.Equal(t, 10*time.Second, cfg.Runner.KillGrace)
	assert.Zero(t, cfg.Runner.Timeout)
	assert.Empty(t, cfg.Progress.Markers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
database:
  driver: postgres
  dsn: postgres://conveyor@localhost/conveyor
queue:
  concurrency: 4
  backoff_base: 2s
runner:
  scripts_root: /opt/scripts
  timeout: 1h
progress:
  markers:
    - substring: epoch
      percent: 50
    - substring: done
      percent: 95
log:
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://conveyor@localhost/conveyor", cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Queue.BackoffMax, "unset keys keep defaults")
	assert.Equal(t, "/opt/scripts", cfg.Runner.ScriptsRoot)
	assert.Equal(t, time.Hour, cfg.Runner.Timeout)
	assert.Equal(t, []progress.Marker{
		{Substring: "epoch", Percent: 50},
		{Substring: "done", Percent: 95},
	}, cfg.Progress.Markers)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
queue:
  concurrency: 4
`)
	t.Setenv("CONVEYOR_QUEUE__CONCURRENCY", "8")
	t.Setenv("CONVEYOR_QUEUE__LEASE", "1m")
	t.Setenv("CONVEYOR_RABBITMQ__ENABLED", "true")
	t.Setenv("CONVEYOR_DATABASE__DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, time.Minute, cfg.Queue.Lease)
	assert.True(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeFile(t, "queue: [unterminated")

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"memory without dsn", func(c *Config) { c.Database.Driver = DriverMemory; c.Database.DSN = "" }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = DriverPostgres; c.Database.DSN = "" }, false},
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency = 0 }, false},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, false},
		{"rabbitmq without url", func(c *Config) { c.RabbitMQ.Enabled = true; c.RabbitMQ.URL = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestOrigin(t *testing.T) {
	cfg := &Config{RabbitMQ: RabbitMQConfig{Origin: "node-1"}}
	assert.Equal(t, "node-1-server", cfg.Origin("server"))

	cfg.RabbitMQ.Origin = ""
	assert.Contains(t, cfg.Origin("worker"), "-worker-")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "queue.max_attempts", envKey("CONVEYOR_QUEUE__MAX_ATTEMPTS"))
	assert.Equal(t, "log.level", envKey("CONVEYOR_LOG__LEVEL"))
}

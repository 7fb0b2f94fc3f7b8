package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matchbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 9001, cfg.TCP.Port)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
tcp:
  address: 127.0.0.1
  port: 9100
  idle_timeout: 30s
http:
  enabled: false
kafka:
  enabled: true
  brokers: [kafka-1:9092, kafka-2:9092]
  topic: trades
logging:
  level: debug
  file: /var/log/matchbook.log
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.TCP.Address)
	assert.Equal(t, 9100, cfg.TCP.Port)
	assert.Equal(t, 30*time.Second, cfg.TCP.IdleTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, uint(64), cfg.TCP.Workers)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "trades", cfg.Kafka.Topic)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/log/matchbook.log", cfg.Logging.File)
	assert.Equal(t, 10, cfg.Logging.MaxSizeMB)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MATCHBOOK_TCP_ADDR", "10.0.0.5:7000")
	t.Setenv("MATCHBOOK_HTTP_ADDR", "127.0.0.1:8081")
	t.Setenv("MATCHBOOK_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("MATCHBOOK_LOG_LEVEL", "warn")

	path := writeConfig(t, `
http:
  enabled: false
kafka:
  brokers: [ignored:9092]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.TCP.Address)
	assert.Equal(t, 7000, cfg.TCP.Port)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "127.0.0.1:8081", cfg.HTTP.Address)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "tcp: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("MATCHBOOK_TCP_ADDR", "no-port")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"port":          func(c *Config) { c.TCP.Port = 70000 },
		"workers":       func(c *Config) { c.TCP.Workers = 0 },
		"idle timeout":  func(c *Config) { c.TCP.IdleTimeout = 0 },
		"http address":  func(c *Config) { c.HTTP.Address = "" },
		"kafka brokers": func(c *Config) { c.Kafka.Enabled = true },
		"kafka topic": func(c *Config) {
			c.Kafka.Enabled, c.Kafka.Brokers, c.Kafka.Topic = true, []string{"k:9092"}, ""
		},
		"log level": func(c *Config) { c.Logging.Level = "loud" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
	assert.NoError(t, Default().Validate())
}

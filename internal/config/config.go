package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the settings of the server process. Load fills it from a YAML
// file, then lets the environment override the addresses, brokers and log
// level.
type Config struct {
	TCP struct {
		Address     string        `yaml:"address"`
		Port        int           `yaml:"port"`
		Workers     uint          `yaml:"workers"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	} `yaml:"tcp"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"http"`

	Kafka struct {
		Enabled   bool     `yaml:"enabled"`
		Brokers   []string `yaml:"brokers"`
		Topic     string   `yaml:"topic"`
		QueueSize int      `yaml:"queue_size"`
	} `yaml:"kafka"`

	Logging struct {
		Level      string `yaml:"level"`
		Console    bool   `yaml:"console"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

func Default() *Config {
	var cfg Config
	cfg.TCP.Address = "0.0.0.0"
	cfg.TCP.Port = 9001
	cfg.TCP.Workers = 64
	cfg.TCP.IdleTimeout = 5 * time.Minute

	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = ":8080"

	cfg.Kafka.Topic = "matchbook.trades"
	cfg.Kafka.QueueSize = 4096

	cfg.Logging.Level = "info"
	cfg.Logging.Console = true
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	return &cfg
}

// Load reads the file at path over the defaults. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TCP.Port < 0 || c.TCP.Port > 65535 {
		return fmt.Errorf("%w: tcp port %d", ErrInvalidConfig, c.TCP.Port)
	}
	if c.TCP.Workers == 0 {
		return fmt.Errorf("%w: tcp workers must be positive", ErrInvalidConfig)
	}
	if c.TCP.IdleTimeout <= 0 {
		return fmt.Errorf("%w: tcp idle timeout must be positive", ErrInvalidConfig)
	}
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		return fmt.Errorf("%w: http address is required", ErrInvalidConfig)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka brokers are required", ErrInvalidConfig)
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("%w: kafka topic is required", ErrInvalidConfig)
		}
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	return nil
}

func overrideWithEnv(cfg *Config) error {
	if addr := os.Getenv("MATCHBOOK_TCP_ADDR"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("%w: MATCHBOOK_TCP_ADDR: %w", ErrInvalidConfig, err)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%w: MATCHBOOK_TCP_ADDR port %q", ErrInvalidConfig, port)
		}
		cfg.TCP.Address, cfg.TCP.Port = host, n
	}
	if addr := os.Getenv("MATCHBOOK_HTTP_ADDR"); addr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Address = addr
	}
	if brokers := os.Getenv("MATCHBOOK_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Enabled = true
		cfg.Kafka.Brokers = cfg.Kafka.Brokers[:0]
		for _, broker := range strings.Split(brokers, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, broker)
			}
		}
	}
	if level := os.Getenv("MATCHBOOK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

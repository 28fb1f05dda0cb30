package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/coreset/config"
	"github.com/xtxerr/coreset/internal/errors"
)

// Config holds aggregator configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:9199").
	Listen string `yaml:"listen"`

	// MetricsListen serves /metrics. Empty disables the endpoint.
	MetricsListen string `yaml:"metrics_listen"`

	// TLS configuration (optional).
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// MaxMessageSize limits a single frame.
	MaxMessageSize int `yaml:"max_message_size"`

	// IOTimeout bounds writing a reply.
	IOTimeout time.Duration `yaml:"io_timeout"`

	// ProtocolFailureLimit is the number of malformed requests per minute
	// after which a remote address is refused.
	ProtocolFailureLimit int `yaml:"protocol_failure_limit"`

	// Round settings.
	Round RoundConfig `yaml:"round"`

	// Logging settings.
	Log LogConfig `yaml:"log"`
}

// RoundConfig controls when a mix round closes.
type RoundConfig struct {
	// Participants closes the round as soon as this many nodes submitted.
	Participants int `yaml:"participants"`

	// Timeout closes the round with whatever was submitted once it expires.
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns an aggregator configuration with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:               config.DefaultListenAddress,
		MetricsListen:        config.DefaultMetricsListenAddress,
		MaxMessageSize:       config.DefaultMaxMessageSize,
		IOTimeout:            config.DefaultIOTimeout,
		ProtocolFailureLimit: config.DefaultProtocolFailureLimit,
		Round: RoundConfig{
			Participants: config.DefaultParticipants,
			Timeout:      config.DefaultRoundTimeout,
		},
		Log: LogConfig{Level: "info"},
	}
}

// ParseConfig decodes and validates an aggregator configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads an aggregator configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	if c.Listen == "" {
		v.AddField("listen", c.Listen, "is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		v.AddField("tls_key_file", c.TLSKeyFile, "tls_cert_file and tls_key_file must be set together")
	}
	if c.MaxMessageSize <= 0 {
		v.AddField("max_message_size", c.MaxMessageSize, "must be positive")
	}
	if c.IOTimeout <= 0 {
		v.AddField("io_timeout", c.IOTimeout, "must be positive")
	}
	if c.ProtocolFailureLimit <= 0 {
		v.AddField("protocol_failure_limit", c.ProtocolFailureLimit, "must be positive")
	}
	if c.Round.Participants < 1 {
		v.AddField("round.participants", c.Round.Participants, "must be at least 1")
	}
	if c.Round.Timeout <= 0 {
		v.AddField("round.timeout", c.Round.Timeout, "must be positive")
	}

	return v.Err()
}

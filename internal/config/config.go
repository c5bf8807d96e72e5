// Package config loads the client configuration from defaults, an optional
// YAML file, a .env file and TINYCHAT_* environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/omochice/tiny-chat/pkg/protocol"
)

// Config is the complete client configuration.
type Config struct {
	// ServerURL is an explicit server address. When empty the endpoint is
	// derived from Origin.
	ServerURL string `yaml:"server_url" env:"TINYCHAT_SERVER_URL"`
	// Origin is the page origin the endpoint is derived from.
	Origin string `yaml:"origin" env:"TINYCHAT_ORIGIN"`
	// Transport names the websocket implementation: nhooyr, gorilla or gobwas.
	Transport string `yaml:"transport" env:"TINYCHAT_TRANSPORT"`
	// Codec names the wire codec: json or proto.
	Codec string `yaml:"codec" env:"TINYCHAT_CODEC"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"TINYCHAT_HEARTBEAT_INTERVAL"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" env:"TINYCHAT_RECONNECT_INTERVAL"`
	DialTimeout       time.Duration `yaml:"dial_timeout" env:"TINYCHAT_DIAL_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"TINYCHAT_WRITE_TIMEOUT"`
	ReadLimit         int64         `yaml:"read_limit" env:"TINYCHAT_READ_LIMIT"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level" env:"TINYCHAT_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"TINYCHAT_LOG_PRETTY"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `yaml:"addr" env:"TINYCHAT_METRICS_ADDR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Origin:            "http://localhost:8000",
		Transport:         "nhooyr",
		Codec:             "json",
		HeartbeatInterval: 25 * time.Second,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load builds the configuration. path may be empty, in which case no YAML
// file is read. A .env file in the working directory is applied when
// present; variables already set in the environment win over it.
//
// Load does not validate: callers apply their own overrides and then call
// Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load(".env")

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerURL == "" && c.Origin == "" {
		errs = append(errs, errors.New("one of server_url or origin is required"))
	}
	switch c.Transport {
	case "nhooyr", "gorilla", "gobwas":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("reconnect_interval must be positive"))
	}
	if c.DialTimeout < 0 {
		errs = append(errs, errors.New("dial_timeout must not be negative"))
	}
	if c.ReadLimit < 0 {
		errs = append(errs, errors.New("read_limit must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Endpoint configuration: defaults, YAML loading, validation and a
// thread-safe store with reload propagation.

package control

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig selects logger level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config holds every tunable of a listener or client.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`

	// MaxMessageSize bounds frame payloads and reassembled messages.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// MaxHeaderBytes bounds the handshake header block.
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`

	ReusePort bool `yaml:"reuse_port"`
	NoDelay   bool `yaml:"no_delay"`

	// AcceptRate limits accepted connections per second; 0 disables.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`

	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	// ServerName is sent in the Server header of handshake responses.
	ServerName string `yaml:"server_name"`

	Log LogConfig `yaml:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":8080",
		MaxMessageSize:   32 << 20,
		MaxHeaderBytes:   8 << 10,
		HandshakeTimeout: 10 * time.Second,
		CloseTimeout:     5 * time.Second,
		NoDelay:          true,
		AcceptBurst:      64,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		ServerName:       "wsock",
		Log:              LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects nonsensical values.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize))
	}
	if c.MaxHeaderBytes < 256 {
		errs = append(errs, fmt.Errorf("max_header_bytes must be at least 256, got %d", c.MaxHeaderBytes))
	}
	if c.HandshakeTimeout < 0 || c.CloseTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("accept_rate must not be negative, got %v", c.AcceptRate))
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		errs = append(errs, errors.New("accept_burst must be at least 1 when accept_rate is set"))
	}
	if c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0 {
		errs = append(errs, errors.New("buffer sizes must be positive"))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("cert_file and key_file must be set together"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Clone returns a copy safe to mutate.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// ConfigStore holds the current configuration snapshot and notifies
// listeners when it is replaced.
type ConfigStore struct {
	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)
}

// NewConfigStore initializes a store with cfg, or the defaults when nil.
func NewConfigStore(cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ConfigStore{config: cfg}
}

// GetSnapshot returns a copy of the current configuration.
func (cs *ConfigStore) GetSnapshot() *Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config.Clone()
}

// SetConfig validates and installs cfg, then dispatches reload listeners
// synchronously in registration order.
func (cs *ConfigStore) SetConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.config = cfg.Clone()
	listeners := slices.Clone(cs.listeners)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg.Clone())
	}
	return nil
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

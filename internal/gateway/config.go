package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"posgate/internal/storage"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Registry RegistryConfig `yaml:"registry"`
	Bus      BusConfig      `yaml:"bus"`
	Security SecurityConfig `yaml:"security"`
	Tap      TapConfig      `yaml:"tap"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Gateway DeviceListenerConfig `yaml:"gateway"`
	API     APIConfig            `yaml:"api"`
}

// DeviceListenerConfig contains the device-facing websocket settings
type DeviceListenerConfig struct {
	Address        string   `yaml:"address"`
	Path           string   `yaml:"path"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	SendBuffer     int      `yaml:"send_buffer"`
	PingInterval   string   `yaml:"ping_interval"`
	PongTimeout    string   `yaml:"pong_timeout"`
	BroadcastTypes []string `yaml:"broadcast_types"`
}

// APIConfig contains HTTP admin API settings
type APIConfig struct {
	Address string `yaml:"address"`
	Timeout string `yaml:"timeout"`
}

// StorageConfig selects the document store
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Root   string `yaml:"root"`
	Path   string `yaml:"path"`
}

// RegistryConfig names the device list document
type RegistryConfig struct {
	Document string `yaml:"document"`
}

// BusConfig contains event bus limits
type BusConfig struct {
	MaxSubscribersPerType int `yaml:"max_subscribers_per_type"`
}

// SecurityConfig contains security-related settings
type SecurityConfig struct {
	DisconnectAfterFailures int       `yaml:"disconnect_after_failures"`
	FailureCacheSize        int       `yaml:"failure_cache_size"`
	JWT                     JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings
type JWTConfig struct {
	SecretKey   string `yaml:"secret_key"`
	Issuer      string `yaml:"issuer"`
	ExpiryHours int    `yaml:"expiry_hours"`
}

// TapConfig contains the diagnostics publisher settings
type TapConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const defaultJWTSecret = "change-this-secret-before-deploying-posgate"

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// LoadConfigFromStore loads configuration from a named document
func LoadConfigFromStore(store storage.DocumentReader, name string) (*Config, error) {
	body, err := store.ReadDocument(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read config document: %w", err)
	}
	return ParseConfig([]byte(body))
}

// ParseConfig decodes, defaults and validates a YAML document
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a default configuration
func NewDefaultConfig() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

// setDefaults fills every unset field
func (c *Config) setDefaults() {
	g := &c.Server.Gateway
	if g.Address == "" {
		g.Address = ":8090"
	}
	if g.Path == "" {
		g.Path = "/ws"
	}
	if g.MaxMessageSize == 0 {
		g.MaxMessageSize = 64 * 1024
	}
	if g.SendBuffer == 0 {
		g.SendBuffer = 256
	}
	if g.PingInterval == "" {
		g.PingInterval = "30s"
	}
	if g.PongTimeout == "" {
		g.PongTimeout = "60s"
	}

	if c.Server.API.Address == "" {
		c.Server.API.Address = ":8091"
	}
	if c.Server.API.Timeout == "" {
		c.Server.API.Timeout = "15s"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = storage.DriverFile
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "."
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "posgate.db"
	}

	if c.Registry.Document == "" {
		c.Registry.Document = "devices.json"
	}

	if c.Bus.MaxSubscribersPerType == 0 {
		c.Bus.MaxSubscribersPerType = 64
	}

	if c.Security.FailureCacheSize == 0 {
		c.Security.FailureCacheSize = 1024
	}
	if c.Security.JWT.SecretKey == "" {
		c.Security.JWT.SecretKey = defaultJWTSecret
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "posgate"
	}
	if c.Security.JWT.ExpiryHours == 0 {
		c.Security.JWT.ExpiryHours = 24
	}

	if c.Tap.Address == "" {
		c.Tap.Address = "tcp://*:5556"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// validate checks if the configuration values are valid
func (c *Config) validate() error {
	g := c.Server.Gateway

	// Validate durations
	pingInterval, err := time.ParseDuration(g.PingInterval)
	if err != nil {
		return fmt.Errorf("invalid gateway ping_interval format: %w", err)
	}
	pongTimeout, err := time.ParseDuration(g.PongTimeout)
	if err != nil {
		return fmt.Errorf("invalid gateway pong_timeout format: %w", err)
	}
	if pingInterval <= 0 || pongTimeout <= pingInterval {
		return fmt.Errorf("gateway pong_timeout must be greater than ping_interval")
	}
	if _, err := time.ParseDuration(c.Server.API.Timeout); err != nil {
		return fmt.Errorf("invalid API timeout format: %w", err)
	}

	if !strings.HasPrefix(g.Path, "/") {
		return fmt.Errorf("gateway path must start with '/'")
	}
	if g.MaxMessageSize < 0 {
		return fmt.Errorf("gateway max_message_size must be greater than 0")
	}
	if g.SendBuffer < 0 {
		return fmt.Errorf("gateway send_buffer must be greater than 0")
	}
	for _, pattern := range g.BroadcastTypes {
		if !strings.Contains(pattern, ":") {
			return fmt.Errorf("broadcast type %q must have the form <module>:<action> or <module>:*", pattern)
		}
	}

	// Validate storage
	switch c.Storage.Driver {
	case storage.DriverFile, storage.DriverSQLite:
	default:
		return fmt.Errorf("storage driver must be '%s' or '%s'", storage.DriverFile, storage.DriverSQLite)
	}

	if c.Bus.MaxSubscribersPerType < 0 {
		return fmt.Errorf("bus max_subscribers_per_type must be greater than 0")
	}

	if c.Security.DisconnectAfterFailures < 0 {
		return fmt.Errorf("disconnect_after_failures cannot be negative")
	}
	if c.Security.FailureCacheSize < 0 {
		return fmt.Errorf("failure_cache_size must be greater than 0")
	}

	// Validate JWT config
	if len(c.Security.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT secret_key must be at least 32 characters long for security")
	}
	if c.Security.JWT.ExpiryHours <= 0 {
		return fmt.Errorf("JWT expiry_hours must be greater than 0")
	}

	if c.Tap.Enabled && c.Tap.Address == "" {
		return fmt.Errorf("tap address is required when tap is enabled")
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}

	return nil
}

// Validate runs validation on a config built in code
func (c *Config) Validate() error {
	return c.validate()
}

// UsesDefaultSecret reports whether the JWT secret is the built-in
// placeholder, which anyone can read from the source
func (c *Config) UsesDefaultSecret() bool {
	return c.Security.JWT.SecretKey == defaultJWTSecret
}

// StorageLocation returns the location argument for storage.Open
func (c *Config) StorageLocation() string {
	if c.Storage.Driver == storage.DriverSQLite {
		return c.Storage.Path
	}
	return c.Storage.Root
}

// GetPingInterval returns the ping interval as a time.Duration
func (c *Config) GetPingInterval() time.Duration {
	duration, _ := time.ParseDuration(c.Server.Gateway.PingInterval)
	return duration
}

// GetPongTimeout returns the pong timeout as a time.Duration
func (c *Config) GetPongTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.Gateway.PongTimeout)
	return duration
}

// GetAPITimeout returns the API timeout as a time.Duration
func (c *Config) GetAPITimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.API.Timeout)
	return duration
}

// ServerOptions derives the device listener options
func (c *Config) ServerOptions() ServerOptions {
	return ServerOptions{
		Path:                    c.Server.Gateway.Path,
		MaxMessageSize:          c.Server.Gateway.MaxMessageSize,
		SendBuffer:              c.Server.Gateway.SendBuffer,
		PingInterval:            c.GetPingInterval(),
		PongTimeout:             c.GetPongTimeout(),
		BroadcastTypes:          c.Server.Gateway.BroadcastTypes,
		DisconnectAfterFailures: c.Security.DisconnectAfterFailures,
		FailureCacheSize:        c.Security.FailureCacheSize,
	}
}

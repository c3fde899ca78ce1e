package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the relay configuration directory (~/.config/relay on Unix)
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "relay"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// EnvPrefix prefixes every environment variable read by Load, e.g. RELAY_APP_ID
const EnvPrefix = "RELAY_"

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultAppID          = "relay"
	DefaultRootInstanceID = "root"

	DefaultBrokerTimeout  = 30 * time.Second
	DefaultReplyQueueSize = 1024

	DefaultChannelNamespace    = "relay"
	DefaultChannelType         = "app"
	DefaultChannelPriority     = 100
	DefaultChannelMaxFrameSize = 16 * 1024 * 1024
	DefaultChannelWriteTimeout = 10 * time.Second
	DefaultChannelDialTimeout  = 5 * time.Second

	DefaultSerializationFormat = "json"
)

// DefaultChannelDir returns the directory holding channel sockets
func DefaultChannelDir() string {
	return filepath.Join(os.TempDir(), "relay")
}

// DefaultConfig returns a complete configuration for a root node
func DefaultConfig() *Config {
	return &Config{
		Logging:       DefaultLoggingConfig(),
		App:           DefaultAppConfig(),
		Broker:        DefaultBrokerConfig(),
		Channel:       DefaultChannelConfig(),
		Serialization: DefaultSerializationConfig(),
		Health:        HealthConfig{},
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultAppConfig returns the identity of a root instance
func DefaultAppConfig() AppConfig {
	return AppConfig{
		AppID:          DefaultAppID,
		AppInstanceID:  DefaultRootInstanceID,
		Root:           true,
		RootInstanceID: DefaultRootInstanceID,
	}
}

// DefaultBrokerConfig returns the default broker configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		DefaultTimeout: DefaultBrokerTimeout,
		ReplyQueueSize: DefaultReplyQueueSize,
	}
}

// DefaultChannelConfig returns the default channel transport configuration
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Enabled:      true,
		Optional:     false,
		Priority:     DefaultChannelPriority,
		Dir:          DefaultChannelDir(),
		Namespace:    DefaultChannelNamespace,
		ChannelType:  DefaultChannelType,
		MaxFrameSize: DefaultChannelMaxFrameSize,
		WriteTimeout: DefaultChannelWriteTimeout,
		DialTimeout:  DefaultChannelDialTimeout,
	}
}

// DefaultSerializationConfig returns the default serialization configuration
func DefaultSerializationConfig() SerializationConfig {
	return SerializationConfig{Format: DefaultSerializationFormat}
}

// applyDefaults fills zero-valued fields left out of a partial YAML file
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	if cfg.App.AppID == "" {
		cfg.App.AppID = DefaultAppID
	}
	if cfg.App.Root && cfg.App.RootInstanceID == "" {
		cfg.App.RootInstanceID = cfg.App.AppInstanceID
	}
	if cfg.App.AppInstanceID == "" {
		if cfg.App.Root {
			cfg.App.AppInstanceID = DefaultRootInstanceID
			cfg.App.RootInstanceID = DefaultRootInstanceID
		} else {
			cfg.App.AppInstanceID = fmt.Sprintf("%s-%d", cfg.App.AppID, os.Getpid())
		}
	}

	defaultBroker := DefaultBrokerConfig()
	if cfg.Broker.DefaultTimeout == 0 {
		cfg.Broker.DefaultTimeout = defaultBroker.DefaultTimeout
	}
	if cfg.Broker.ReplyQueueSize == 0 {
		cfg.Broker.ReplyQueueSize = defaultBroker.ReplyQueueSize
	}

	defaultChannel := DefaultChannelConfig()
	if cfg.Channel.Priority == 0 {
		cfg.Channel.Priority = defaultChannel.Priority
	}
	if cfg.Channel.Dir == "" {
		cfg.Channel.Dir = defaultChannel.Dir
	}
	if cfg.Channel.Namespace == "" {
		cfg.Channel.Namespace = defaultChannel.Namespace
	}
	if cfg.Channel.ChannelType == "" {
		cfg.Channel.ChannelType = defaultChannel.ChannelType
	}
	if cfg.Channel.MaxFrameSize == 0 {
		cfg.Channel.MaxFrameSize = defaultChannel.MaxFrameSize
	}
	if cfg.Channel.WriteTimeout == 0 {
		cfg.Channel.WriteTimeout = defaultChannel.WriteTimeout
	}
	if cfg.Channel.DialTimeout == 0 {
		cfg.Channel.DialTimeout = defaultChannel.DialTimeout
	}

	if cfg.Serialization.Format == "" {
		cfg.Serialization.Format = DefaultSerializationFormat
	}

	if cfg.Health.Enabled && cfg.Health.SocketPath == "" {
		cfg.Health.SocketPath = cfg.HealthSocketPath()
	}
}

// HealthSocketPath returns the configured health socket, or the one derived
// from the channel directory and instance id
func (c *Config) HealthSocketPath() string {
	if c.Health.SocketPath != "" {
		return c.Health.SocketPath
	}
	return filepath.Join(c.Channel.Dir,
		fmt.Sprintf("%s_health.%s", c.Channel.Namespace, c.App.AppInstanceID))
}

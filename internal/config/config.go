package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/billm/baaaht/relay/pkg/types"
)

// Config represents the complete configuration of a relay node
type Config struct {
	Logging       LoggingConfig       `json:"logging" yaml:"logging" envPrefix:"LOG_"`
	App           AppConfig           `json:"app" yaml:"app" envPrefix:"APP_"`
	Broker        BrokerConfig        `json:"broker" yaml:"broker" envPrefix:"BROKER_"`
	Channel       ChannelConfig       `json:"channel" yaml:"channel" envPrefix:"CHANNEL_"`
	Serialization SerializationConfig `json:"serialization" yaml:"serialization" envPrefix:"SERIALIZATION_"`
	Health        HealthConfig        `json:"health" yaml:"health" envPrefix:"HEALTH_"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" env:"FORMAT"` // json, text
	Output string `json:"output" yaml:"output" env:"OUTPUT"` // stdout, stderr, file path
}

// AppConfig identifies this process within the application
type AppConfig struct {
	AppID          string `json:"app_id" yaml:"app_id" env:"ID"`
	AppInstanceID  string `json:"app_instance_id" yaml:"app_instance_id" env:"INSTANCE_ID"`
	Root           bool   `json:"root" yaml:"root" env:"ROOT"`
	RootInstanceID string `json:"root_instance_id" yaml:"root_instance_id" env:"ROOT_INSTANCE_ID"`
}

// BrokerConfig contains message broker configuration
type BrokerConfig struct {
	DefaultTimeout   time.Duration `json:"default_timeout" yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	ReplyQueueSize   int           `json:"reply_queue_size" yaml:"reply_queue_size" env:"REPLY_QUEUE_SIZE"`
	DefaultRecipient string        `json:"default_recipient" yaml:"default_recipient" env:"DEFAULT_RECIPIENT"` // endpoint for raw content; when empty, requests must name recipients
	RequireBearer    bool          `json:"require_bearer" yaml:"require_bearer" env:"REQUIRE_BEARER"`
}

// ChannelConfig contains named-channel transport configuration
type ChannelConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Optional     bool          `json:"optional" yaml:"optional" env:"OPTIONAL"`
	Priority     int           `json:"priority" yaml:"priority" env:"PRIORITY"`
	Dir          string        `json:"dir" yaml:"dir" env:"DIR"`
	Namespace    string        `json:"namespace" yaml:"namespace" env:"NAMESPACE"`
	ChannelType  string        `json:"channel_type" yaml:"channel_type" env:"TYPE"`
	MaxFrameSize int           `json:"max_frame_size" yaml:"max_frame_size" env:"MAX_FRAME_SIZE"` // bytes
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// SerializationConfig selects the wire codec
type SerializationConfig struct {
	Format string `json:"format" yaml:"format" env:"FORMAT"` // json, msgpack
}

// HealthConfig contains the gRPC health endpoint configuration
type HealthConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	SocketPath string `json:"socket_path" yaml:"socket_path" env:"SOCKET_PATH"`
}

// namePattern restricts identifiers that end up in socket file names
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	return c.Serialization.Validate()
}

// Validate checks the logging configuration
func (c LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Level))
	}
	switch c.Format {
	case "json", "text":
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Format))
	}
	return nil
}

// Validate checks the app identity
func (c AppConfig) Validate() error {
	if c.AppID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "app id cannot be empty")
	}
	if !namePattern.MatchString(c.AppInstanceID) {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid app instance id: %q", c.AppInstanceID))
	}
	if !c.Root && c.RootInstanceID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "root instance id is required for non-root apps")
	}
	if c.Root && c.RootInstanceID != "" && c.RootInstanceID != c.AppInstanceID {
		return types.NewError(types.ErrCodeInvalidArgument, "root instance id must match the app instance id of the root")
	}
	return nil
}

// Validate checks the broker configuration
func (c BrokerConfig) Validate() error {
	if c.DefaultTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker default timeout cannot be negative")
	}
	if c.ReplyQueueSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker reply queue size must be positive")
	}
	if c.DefaultRecipient != "" {
		if _, err := types.ParseEndpoint(c.DefaultRecipient); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the channel configuration
func (c ChannelConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Dir == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "channel dir cannot be empty")
	}
	if !namePattern.MatchString(c.Namespace) {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid channel namespace: %q", c.Namespace))
	}
	if !namePattern.MatchString(c.ChannelType) {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid channel type: %q", c.ChannelType))
	}
	if c.MaxFrameSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "channel max frame size must be positive")
	}
	if c.WriteTimeout < 0 || c.DialTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "channel timeouts cannot be negative")
	}
	return nil
}

// Validate checks the serialization configuration
func (c SerializationConfig) Validate() error {
	switch c.Format {
	case "json", "msgpack":
		return nil
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid serialization format: %s (must be json or msgpack)", c.Format))
	}
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Broker: %s, Channel: %s, Serialization: %s, Health: %s}",
		c.App, c.Broker, c.Channel, c.Serialization.Format, c.Health)
}

func (c AppConfig) String() string {
	return fmt.Sprintf("AppConfig{AppID: %s, AppInstanceID: %s, Root: %t, RootInstanceID: %s}",
		c.AppID, c.AppInstanceID, c.Root, c.RootInstanceID)
}

func (c BrokerConfig) String() string {
	return fmt.Sprintf("BrokerConfig{DefaultTimeout: %s, ReplyQueueSize: %d, DefaultRecipient: %q}",
		c.DefaultTimeout, c.ReplyQueueSize, c.DefaultRecipient)
}

func (c ChannelConfig) String() string {
	return fmt.Sprintf("ChannelConfig{Enabled: %t, Optional: %t, Dir: %s, Namespace: %s, Type: %s}",
		c.Enabled, c.Optional, c.Dir, c.Namespace, c.ChannelType)
}

func (c HealthConfig) String() string {
	return fmt.Sprintf("HealthConfig{Enabled: %t, SocketPath: %s}", c.Enabled, c.SocketPath)
}

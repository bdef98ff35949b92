package config

import "time"

// Config holds callcore configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// RedisAddr enables the shared connection registry for multi-node
	// relay deployments. Empty means the in-process registry is used.
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// Media token endpoint settings.
	LiveKitAPIKey    string        `mapstructure:"livekit_api_key" yaml:"livekit_api_key"`
	LiveKitAPISecret string        `mapstructure:"livekit_api_secret" yaml:"livekit_api_secret"`
	LiveKitURL       string        `mapstructure:"livekit_url" yaml:"livekit_url"`
	MediaTokenTTL    time.Duration `mapstructure:"media_token_ttl" yaml:"media_token_ttl"`

	// Call coordination timing. The 30s defaults match the product's
	// historical behavior but carry no deeper rationale, so they are
	// plain knobs rather than constants.
	DeclineAfter     time.Duration `mapstructure:"decline_after" yaml:"decline_after"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval" yaml:"liveness_interval"`

	// NotifyRateLimit caps /api/notify requests per minute per connection.
	// Zero disables limiting.
	NotifyRateLimit int `mapstructure:"notify_rate_limit" yaml:"notify_rate_limit"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		DatabasePath:      "callcore.db",
		JWTIssuer:         "callcore",
		JWTAudience:       "callcore",
		LiveKitURL:        "ws://localhost:7880",
		MediaTokenTTL:     15 * time.Minute,
		DeclineAfter:      30 * time.Second,
		LivenessInterval:  30 * time.Second,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.DeclineAfter != 0 {
		c.DeclineAfter = other.DeclineAfter
	}
	if other.LivenessInterval != 0 {
		c.LivenessInterval = other.LivenessInterval
	}
}

package config

import "time"

// PoolConfig tunes the relay connection pool.
type PoolConfig struct {
	DialTimeout       time.Duration `mapstructure:"dial_timeout"       validate:"required,short_duration"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"      validate:"required,short_duration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,short_duration"`
	StaleAfter        time.Duration `mapstructure:"stale_after"        validate:"required,short_duration"`
	BackoffMin        time.Duration `mapstructure:"backoff_min"        validate:"required,short_duration"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"        validate:"required,short_duration"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"   validate:"required,min=1024,max=16777216"`
	PublishRateLimit  float64       `mapstructure:"publish_rate_limit" validate:"required,min=0.1,max=1000"`
	PublishBurst      int           `mapstructure:"publish_burst"      validate:"required,min=1,max=1000"`
}

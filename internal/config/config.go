package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/glowstream/engine/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

// Config holds every sub-config.
type Config struct {
	Metrics       MetricsConfig        `mapstructure:"metrics"       validate:"required"`
	Logging       LoggingConfig        `mapstructure:"logging"       validate:"required"`
	Relays        []RelayConfig        `mapstructure:"relays"        validate:"required,min=1,dive"`
	Pool          PoolConfig           `mapstructure:"pool"          validate:"required"`
	Bunker        BunkerConfig         `mapstructure:"bunker"        validate:"required"`
	Cache         CacheConfig          `mapstructure:"cache"         validate:"required"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions" validate:"omitempty,dive"`
}

func init() {
	registerCustomValidators()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)

		// At least one relay must be readable and one writable.
		var readable, writable bool
		for _, r := range cfg.Relays {
			readable = readable || r.Read
			writable = writable || r.Write
		}
		if !readable {
			sl.ReportError(cfg.Relays, "Relays", "Relays", "no_read_relay", "")
		}
		if !writable {
			sl.ReportError(cfg.Relays, "Relays", "Relays", "no_write_relay", "")
		}

		// The heartbeat staleness threshold must exceed the check interval,
		// otherwise every connection is flagged stale on its first check.
		if cfg.Pool.StaleAfter <= cfg.Pool.HeartbeatInterval {
			sl.ReportError(cfg.Pool.StaleAfter, "StaleAfter", "StaleAfter", "stale_before_heartbeat", "")
		}

		if cfg.Pool.BackoffMin > cfg.Pool.BackoffMax {
			sl.ReportError(cfg.Pool.BackoffMin, "BackoffMin", "BackoffMin", "backoff_range", "")
		}
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	if err := validate.RegisterValidation("relayurl", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		if raw == "" {
			return false
		}
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return false
		}
		return u.Host != ""
	}); err != nil {
		logger.Error("Failed to register relayurl validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" {
			return true // optional field
		}
		if len(key) != 64 {
			return false
		}
		matched, _ := regexp.MatchString(`^[a-fA-F0-9]{64}$`, key)
		return matched
	}); err != nil {
		logger.Error("Failed to register pubkey validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("short_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		return duration >= time.Second && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register short_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("long_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		return duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register long_duration validator", zap.Error(err))
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults -> file (optional) -> env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GLOWSTREAM") // GLOWSTREAM_METRICS_PORT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Info("configuration loaded",
		zap.String("version", Version),
		zap.Int("relays", len(cfg.Relays)),
	)
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("engine"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	tag := fe.Tag()
	param := fe.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "relayurl":
		return fmt.Sprintf("%s must be a ws:// or wss:// URL (got: %v)", field, value)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character hexadecimal string (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "short_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "long_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "no_read_relay":
		return "at least one configured relay must be read-eligible"
	case "no_write_relay":
		return "at least one configured relay must be write-eligible"
	case "stale_before_heartbeat":
		return "pool.stale_after must be strictly greater than pool.heartbeat_interval"
	case "backoff_range":
		return "pool.backoff_min must not exceed pool.backoff_max"
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, tag, value)
	}
}

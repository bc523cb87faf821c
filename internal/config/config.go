package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "WANDERLOG"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "wanderlog.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "wanderlog-api"
	defaultAudience          = "wanderlog-clients"
	defaultTokenTTLMinutes   = 60
	defaultRealtimeCapacity  = 1000
	defaultStreamTimeoutSecs = 3600
	defaultHeartbeatSecs     = 25
	defaultStreamBufferSize  = 16
	defaultEventQueueSize    = 256
	defaultPageSize          = 20
	defaultMaxPageSize       = 50
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string `validate:"required,hostname_port"`
	DatabaseDriver string `validate:"oneof=sqlite postgres"`
	DatabasePath   string `validate:"required_if=DatabaseDriver sqlite"`
	DatabaseDSN    string `validate:"required_if=DatabaseDriver postgres"`
	LogLevel       string `validate:"omitempty,oneof=debug info warn warning error"`

	SigningSecret string        `validate:"required"`
	Issuer        string        `validate:"required"`
	Audience      string        `validate:"required"`
	TokenTTL      time.Duration `validate:"gt=0"`

	RealtimeCapacity  int           `validate:"gt=0"`
	StreamTimeout     time.Duration `validate:"gt=0"`
	HeartbeatInterval time.Duration `validate:"gt=0,ltfield=StreamTimeout"`
	StreamBufferSize  int           `validate:"gt=0"`
	EventQueueSize    int           `validate:"gt=0"`

	DefaultPageSize int `validate:"gt=0,ltefield=MaxPageSize"`
	MaxPageSize     int `validate:"gt=0"`
}

var structValidator = validator.New()

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("realtime.capacity", defaultRealtimeCapacity)
	configViper.SetDefault("realtime.stream_timeout_seconds", defaultStreamTimeoutSecs)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSecs)
	configViper.SetDefault("realtime.buffer_size", defaultStreamBufferSize)
	configViper.SetDefault("events.queue_size", defaultEventQueueSize)
	configViper.SetDefault("notifications.page_size", defaultPageSize)
	configViper.SetDefault("notifications.max_page_size", defaultMaxPageSize)
}

// LoadDotEnv populates the process environment from an env file. A missing file is not an error.
// Variables already present in the environment win over the file.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:       strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		SigningSecret:     strings.TrimSpace(configViper.GetString("auth.signing_secret")),
		Issuer:            strings.TrimSpace(configViper.GetString("auth.issuer")),
		Audience:          strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		RealtimeCapacity:  configViper.GetInt("realtime.capacity"),
		StreamTimeout:     time.Duration(configViper.GetInt("realtime.stream_timeout_seconds")) * time.Second,
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		StreamBufferSize:  configViper.GetInt("realtime.buffer_size"),
		EventQueueSize:    configViper.GetInt("events.queue_size"),
		DefaultPageSize:   configViper.GetInt("notifications.page_size"),
		MaxPageSize:       configViper.GetInt("notifications.max_page_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	err := structValidator.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		messages = append(messages, fmt.Sprintf("%s failed %s", configKey(fieldError.Field()), fieldError.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

var configKeys = map[string]string{
	"HTTPAddress":       "http.address",
	"DatabaseDriver":    "database.driver",
	"DatabasePath":      "database.path",
	"DatabaseDSN":       "database.dsn",
	"LogLevel":          "log.level",
	"SigningSecret":     "auth.signing_secret",
	"Issuer":            "auth.issuer",
	"Audience":          "auth.audience",
	"TokenTTL":          "token.ttl_minutes",
	"RealtimeCapacity":  "realtime.capacity",
	"StreamTimeout":     "realtime.stream_timeout_seconds",
	"HeartbeatInterval": "realtime.heartbeat_seconds",
	"StreamBufferSize":  "realtime.buffer_size",
	"EventQueueSize":    "events.queue_size",
	"DefaultPageSize":   "notifications.page_size",
	"MaxPageSize":       "notifications.max_page_size",
}

func configKey(field string) string {
	if key, ok := configKeys[field]; ok {
		return key
	}
	return field
}

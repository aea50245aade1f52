package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "HAVEIBEENTO"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "haveibeento.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "haveibeento-auth"
	defaultSessionTTLMinutes = 60 * 24
	defaultAPIBaseURL        = "http://localhost:8080"
	defaultAPITimeoutSeconds = 10
	defaultLocalMedium       = MediumSQLite
	defaultLocalPath         = "haveibeento-local.db"
)

// Local medium kinds understood by the device CLI.
const (
	MediumSQLite = "sqlite"
	MediumRedis  = "redis"
	MediumMemory = "memory"
)

// AppConfig captures runtime configuration for the record-store API server.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionTTL           time.Duration
}

// ClientConfig captures runtime configuration for the device CLI.
type ClientConfig struct {
	APIBaseURL   string
	APITimeout   time.Duration
	LocalMedium  string
	LocalPath    string
	RedisURL     string
	SessionToken string
	LogLevel     string
}

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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("api.timeout_seconds", defaultAPITimeoutSeconds)
	configViper.SetDefault("local.medium", defaultLocalMedium)
	configViper.SetDefault("local.path", defaultLocalPath)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionTTL:           time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	return nil
}

// LoadClient parses device CLI configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:   strings.TrimRight(strings.TrimSpace(configViper.GetString("api.base_url")), "/"),
		APITimeout:   time.Duration(configViper.GetInt("api.timeout_seconds")) * time.Second,
		LocalMedium:  strings.ToLower(strings.TrimSpace(configViper.GetString("local.medium"))),
		LocalPath:    configViper.GetString("local.path"),
		RedisURL:     configViper.GetString("redis.url"),
		SessionToken: strings.TrimSpace(configViper.GetString("session.token")),
		LogLevel:     configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api.timeout_seconds must be positive")
	}
	switch c.LocalMedium {
	case MediumSQLite:
		if strings.TrimSpace(c.LocalPath) == "" {
			return fmt.Errorf("local.path is required for the sqlite medium")
		}
	case MediumRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for the redis medium")
		}
	case MediumMemory:
	default:
		return fmt.Errorf("local.medium %q is not supported", c.LocalMedium)
	}
	return nil
}

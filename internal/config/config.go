package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COLLOQUY"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "colloquy.db"
	defaultLogLevel           = "info"
	defaultTokenIssuer        = "colloquy-portal"
	defaultDebounceSeconds    = 5
	defaultMaxDebounceSeconds = 30
	defaultIdleTimeoutSeconds = 90
	defaultCapabilityTTL      = 60
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	SigningSecret      string
	TokenIssuer        string
	LogLevel           string
	Debounce           time.Duration
	MaxDebounce        time.Duration
	IdleTimeout        time.Duration
	CapabilityCacheTTL time.Duration
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
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("collab.debounce_seconds", defaultDebounceSeconds)
	configViper.SetDefault("collab.max_debounce_seconds", defaultMaxDebounceSeconds)
	configViper.SetDefault("collab.idle_timeout_seconds", defaultIdleTimeoutSeconds)
	configViper.SetDefault("auth.capability_ttl_seconds", defaultCapabilityTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenIssuer:        configViper.GetString("auth.issuer"),
		LogLevel:           configViper.GetString("log.level"),
		Debounce:           time.Duration(configViper.GetInt("collab.debounce_seconds")) * time.Second,
		MaxDebounce:        time.Duration(configViper.GetInt("collab.max_debounce_seconds")) * time.Second,
		IdleTimeout:        time.Duration(configViper.GetInt("collab.idle_timeout_seconds")) * time.Second,
		CapabilityCacheTTL: time.Duration(configViper.GetInt("auth.capability_ttl_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("collab.debounce_seconds must be positive")
	}
	if c.MaxDebounce < c.Debounce {
		return fmt.Errorf("collab.max_debounce_seconds must be at least collab.debounce_seconds")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("collab.idle_timeout_seconds must be positive")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "CODEROOM"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "coderoom.db"
	defaultLogLevel      = "info"
	defaultTokenTTLMin   = 30
	defaultGuestTTLMin   = 240
	defaultGuestCeilMin  = 1440
	defaultSweepEveryMin = 5
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	SigningSecret    string
	TokenTTL         time.Duration
	GuestSessionTTL  time.Duration
	GuestMaxLifetime time.Duration
	SweepInterval    time.Duration
	FileTreeBaseURL  string
	LogLevel         string
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("guest.ttl_minutes", defaultGuestTTLMin)
	configViper.SetDefault("guest.max_lifetime_minutes", defaultGuestCeilMin)
	configViper.SetDefault("sweep.interval_minutes", defaultSweepEveryMin)
	configViper.SetDefault("filetree.base_url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		GuestSessionTTL:  time.Duration(configViper.GetInt("guest.ttl_minutes")) * time.Minute,
		GuestMaxLifetime: time.Duration(configViper.GetInt("guest.max_lifetime_minutes")) * time.Minute,
		SweepInterval:    time.Duration(configViper.GetInt("sweep.interval_minutes")) * time.Minute,
		FileTreeBaseURL:  configViper.GetString("filetree.base_url"),
		LogLevel:         configViper.GetString("log.level"),
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
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.GuestSessionTTL <= 0 {
		return fmt.Errorf("guest.ttl_minutes must be positive")
	}
	if c.GuestMaxLifetime < c.GuestSessionTTL {
		return fmt.Errorf("guest.max_lifetime_minutes must be at least guest.ttl_minutes")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "PULSE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "pulse.db"
	defaultLogLevel        = "info"
	defaultStaffTokenTTL   = 60
	defaultSummarizerModel = "gpt-4o-mini"
)

// AppConfig captures runtime configuration for the feedback API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	StaffAccessKey     string
	StaffSigningSecret string
	StaffTokenTTL      time.Duration
	SummarizerAPIKey   string
	SummarizerModel    string
	SummarizerBaseURL  string
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
	configViper.SetDefault("staff.token_ttl_minutes", defaultStaffTokenTTL)
	configViper.SetDefault("summarizer.model", defaultSummarizerModel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		StaffAccessKey:     configViper.GetString("staff.access_key"),
		StaffSigningSecret: configViper.GetString("staff.signing_secret"),
		StaffTokenTTL:      time.Duration(configViper.GetInt("staff.token_ttl_minutes")) * time.Minute,
		SummarizerAPIKey:   configViper.GetString("summarizer.api_key"),
		SummarizerModel:    configViper.GetString("summarizer.model"),
		SummarizerBaseURL:  configViper.GetString("summarizer.base_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.StaffSigningSecret) == "" {
		return fmt.Errorf("staff.signing_secret is required")
	}
	if strings.TrimSpace(c.StaffAccessKey) == "" {
		return fmt.Errorf("staff.access_key is required")
	}
	if c.StaffTokenTTL <= 0 {
		return fmt.Errorf("staff.token_ttl_minutes must be positive")
	}
	// Summarizer credentials are optional: the analysis cache degrades to a
	// stale or placeholder payload when no summarizer is configured.
	return nil
}

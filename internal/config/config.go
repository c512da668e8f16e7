package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "NODESTORE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "nodestore.db"
	defaultLogLevel         = "info"
	defaultIssuer           = "nodestore"
	defaultCookieName       = "app_session"
	defaultTokenTTLMinutes  = 60
	defaultSaveMaxAttempts  = 3
	defaultSaveRetryBackoff = time.Second
	defaultCacheSize        = 10000
	defaultLockTimeout      = 30 * time.Second
	defaultLockPollInterval = 200 * time.Millisecond
	defaultLockWaitTimeout  = 60 * time.Second
)

// AppConfig captures runtime configuration for the repository service.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	Issuer           string
	CookieName       string
	TokenTTL         time.Duration
	SaveMaxAttempts  int
	SaveRetryBackoff time.Duration
	CacheSize        int
	LockTimeout      time.Duration
	LockPollInterval time.Duration
	LockWaitTimeout  time.Duration
	InstanceID       string
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
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("save.max_attempts", defaultSaveMaxAttempts)
	configViper.SetDefault("save.retry_backoff", defaultSaveRetryBackoff)
	configViper.SetDefault("cache.size", defaultCacheSize)
	configViper.SetDefault("lock.timeout", defaultLockTimeout)
	configViper.SetDefault("lock.poll_interval", defaultLockPollInterval)
	configViper.SetDefault("lock.wait_timeout", defaultLockWaitTimeout)
	configViper.SetDefault("cluster.instance_id", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		Issuer:           configViper.GetString("auth.issuer"),
		CookieName:       configViper.GetString("auth.cookie_name"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SaveMaxAttempts:  configViper.GetInt("save.max_attempts"),
		SaveRetryBackoff: configViper.GetDuration("save.retry_backoff"),
		CacheSize:        configViper.GetInt("cache.size"),
		LockTimeout:      configViper.GetDuration("lock.timeout"),
		LockPollInterval: configViper.GetDuration("lock.poll_interval"),
		LockWaitTimeout:  configViper.GetDuration("lock.wait_timeout"),
		InstanceID:       strings.TrimSpace(configViper.GetString("cluster.instance_id")),
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
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SaveMaxAttempts <= 0 {
		return fmt.Errorf("save.max_attempts must be positive")
	}
	if c.SaveRetryBackoff < 0 {
		return fmt.Errorf("save.retry_backoff must not be negative")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache.size must be positive")
	}
	if c.LockTimeout <= 0 || c.LockPollInterval <= 0 || c.LockWaitTimeout <= 0 {
		return fmt.Errorf("lock.timeout, lock.poll_interval and lock.wait_timeout must be positive")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "COLLAB"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabasePath        = "collab.db"
	defaultLogLevel            = "info"
	defaultAuthIssuer          = "bidroom-auth"
	defaultCookieName          = "app_session"
	defaultTokenTTL            = 12 * time.Hour
	defaultLockBackend         = LockBackendDatabase
	defaultLeaseDuration       = 30 * time.Second
	defaultHeartbeatInterval   = 10 * time.Second
	defaultReleaseDelay        = 2 * time.Second
	defaultSweepInterval       = 5 * time.Second
	defaultPollInterval        = 15 * time.Second
	defaultMaxReconnects       = 5
	defaultBackoffBase         = time.Second
	defaultBackoffCap          = 16 * time.Second
	defaultBackoffMultiplier   = 2.0
	defaultRequestsPerSecond   = 20.0
	defaultRequestBurst        = 40
	minimumLeaseToHeartbeatGap = 2
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Supported lock storage backends.
const (
	LockBackendDatabase = "database"
	LockBackendRedis    = "redis"
)

// LockConfig groups the section lock timing constants.
type LockConfig struct {
	Backend           string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	ReleaseDelay      time.Duration
	SweepInterval     time.Duration
	PollInterval      time.Duration
}

// RelayConfig groups the notification relay reconnect policy.
type RelayConfig struct {
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	BackoffMultiplier    float64
}

// RateLimitConfig bounds per-user request rates on the API.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string
	SigningSecret  string
	AuthIssuer     string
	CookieName     string
	TokenTTL       time.Duration
	RedisURL       string
	Locks          LockConfig
	Relay          RelayConfig
	RateLimit      RateLimitConfig
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("redis.url", "")

	configViper.SetDefault("locks.backend", defaultLockBackend)
	configViper.SetDefault("locks.lease_duration", defaultLeaseDuration)
	configViper.SetDefault("locks.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("locks.release_delay", defaultReleaseDelay)
	configViper.SetDefault("locks.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("locks.poll_interval", defaultPollInterval)

	configViper.SetDefault("relay.max_reconnect_attempts", defaultMaxReconnects)
	configViper.SetDefault("relay.backoff_base", defaultBackoffBase)
	configViper.SetDefault("relay.backoff_cap", defaultBackoffCap)
	configViper.SetDefault("relay.backoff_multiplier", defaultBackoffMultiplier)

	configViper.SetDefault("ratelimit.requests_per_second", defaultRequestsPerSecond)
	configViper.SetDefault("ratelimit.burst", defaultRequestBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		RedisURL:       strings.TrimSpace(configViper.GetString("redis.url")),
		Locks: LockConfig{
			Backend:           strings.ToLower(strings.TrimSpace(configViper.GetString("locks.backend"))),
			LeaseDuration:     configViper.GetDuration("locks.lease_duration"),
			HeartbeatInterval: configViper.GetDuration("locks.heartbeat_interval"),
			ReleaseDelay:      configViper.GetDuration("locks.release_delay"),
			SweepInterval:     configViper.GetDuration("locks.sweep_interval"),
			PollInterval:      configViper.GetDuration("locks.poll_interval"),
		},
		Relay: RelayConfig{
			MaxReconnectAttempts: configViper.GetInt("relay.max_reconnect_attempts"),
			BackoffBase:          configViper.GetDuration("relay.backoff_base"),
			BackoffCap:           configViper.GetDuration("relay.backoff_cap"),
			BackoffMultiplier:    configViper.GetFloat64("relay.backoff_multiplier"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: configViper.GetFloat64("ratelimit.requests_per_second"),
			Burst:             configViper.GetInt("ratelimit.burst"),
		},
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
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.Locks.Backend {
	case LockBackendDatabase:
	case LockBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis.url is required when locks.backend is redis")
		}
	default:
		return fmt.Errorf("locks.backend %q is not supported", c.Locks.Backend)
	}
	if c.Locks.LeaseDuration <= 0 || c.Locks.HeartbeatInterval <= 0 {
		return fmt.Errorf("locks.lease_duration and locks.heartbeat_interval must be positive")
	}
	if c.Locks.LeaseDuration < minimumLeaseToHeartbeatGap*c.Locks.HeartbeatInterval {
		return fmt.Errorf("locks.lease_duration must be at least %d heartbeat intervals", minimumLeaseToHeartbeatGap)
	}
	if c.Locks.ReleaseDelay < 0 || c.Locks.SweepInterval <= 0 || c.Locks.PollInterval <= 0 {
		return fmt.Errorf("locks.release_delay, locks.sweep_interval and locks.poll_interval are invalid")
	}
	if c.Relay.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("relay.max_reconnect_attempts must be positive")
	}
	if c.Relay.BackoffBase <= 0 || c.Relay.BackoffCap < c.Relay.BackoffBase {
		return fmt.Errorf("relay.backoff_base must be positive and not exceed relay.backoff_cap")
	}
	if c.Relay.BackoffMultiplier < 1 {
		return fmt.Errorf("relay.backoff_multiplier must be at least 1")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit.requests_per_second and ratelimit.burst must be positive")
	}
	return nil
}

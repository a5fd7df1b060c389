package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "VANISH"
	defaultHTTPAddress         = "0.0.0.0:3000"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultStoreBackend        = StoreRedis
	defaultRedisURL            = "redis://localhost:6379/0"
	defaultSQLitePath          = "vanish.db"
	defaultSweepInterval       = 30 * time.Second
	defaultRateLimitRPS        = 1.0
	defaultRateLimitBurst      = 10
	defaultRealtimeSendBuffer  = 64
	defaultEventsExchange      = "vanish.events"
	defaultShutdownGracePeriod = 10 * time.Second
)

// Store backends accepted by store.backend.
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// AppConfig captures runtime configuration for the relay.
type AppConfig struct {
	HTTPAddress         string
	PublicBaseURL       string
	HSTS                bool
	AllowedOrigins      []string
	TrustedProxies      []string
	LogLevel            string
	LogFormat           string
	StoreBackend        string
	RedisURL            string
	SQLitePath          string
	SweepInterval       time.Duration
	RateLimitRPS        float64
	RateLimitBurst      int
	RealtimeSendBuffer  int
	EventsAMQPURL       string
	EventsExchange      string
	ShutdownGracePeriod time.Duration
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
	configViper.SetDefault("http.public_base_url", "")
	configViper.SetDefault("http.hsts", false)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("http.shutdown_grace_period", defaultShutdownGracePeriod)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("store.redis_url", defaultRedisURL)
	configViper.SetDefault("store.sqlite_path", defaultSQLitePath)
	configViper.SetDefault("store.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("ratelimit.rps", defaultRateLimitRPS)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("realtime.send_buffer", defaultRealtimeSendBuffer)
	configViper.SetDefault("events.amqp_url", "")
	configViper.SetDefault("events.exchange", defaultEventsExchange)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		PublicBaseURL:       strings.TrimSpace(configViper.GetString("http.public_base_url")),
		HSTS:                configViper.GetBool("http.hsts"),
		AllowedOrigins:      splitList(configViper.GetStringSlice("http.allowed_origins")),
		TrustedProxies:      splitList(configViper.GetStringSlice("http.trusted_proxies")),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		StoreBackend:        strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		RedisURL:            configViper.GetString("store.redis_url"),
		SQLitePath:          configViper.GetString("store.sqlite_path"),
		SweepInterval:       configViper.GetDuration("store.sweep_interval"),
		RateLimitRPS:        configViper.GetFloat64("ratelimit.rps"),
		RateLimitBurst:      configViper.GetInt("ratelimit.burst"),
		RealtimeSendBuffer:  configViper.GetInt("realtime.send_buffer"),
		EventsAMQPURL:       strings.TrimSpace(configViper.GetString("events.amqp_url")),
		EventsExchange:      configViper.GetString("events.exchange"),
		ShutdownGracePeriod: configViper.GetDuration("http.shutdown_grace_period"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.StoreBackend {
	case StoreRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
		if c.SweepInterval <= 0 {
			return fmt.Errorf("store.sweep_interval must be positive")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.backend must be one of %s, %s, %s; got %q", StoreRedis, StoreSQLite, StoreMemory, c.StoreBackend)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console; got %q", c.LogFormat)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("ratelimit.burst must be positive")
	}
	if c.RealtimeSendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.EventsAMQPURL != "" && strings.TrimSpace(c.EventsExchange) == "" {
		return fmt.Errorf("events.exchange is required when events.amqp_url is set")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated string,
// which is how list values arrive from the environment.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

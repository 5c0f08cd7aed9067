package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store kinds accepted by QUOTA_STORE.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	Quota     QuotaConfig
	Internal  InternalConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	Enabled        bool
	URL            string
	MaxReconnects  int
	ReconnectWait  time.Duration
	EventRetention time.Duration
}

// JWTConfig holds the verification side of access tokens. Tokens are issued
// by the account service; this service only checks them.
type JWTConfig struct {
	AccessSecret string
	Issuer       string
}

// QuotaConfig holds per-type limits and reset behaviour.
type QuotaConfig struct {
	Store                string
	ProfileImageLimit    int
	ChatMessagesLimit    int
	ChatImageLimit       int
	ProfileImageStrategy string
	ChatMessagesStrategy string
	ChatImageStrategy    string
	ResetWindow          time.Duration
	MaxAmount            int
}

// InternalConfig guards the service-to-service routes.
type InternalConfig struct {
	APIKey string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			Enabled:       k.String("nats.enabled") != "false",
			URL:           k.String("nats.url"),
			MaxReconnects: k.Int("nats.max.reconnects"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
			Issuer:       k.String("jwt.issuer"),
		},
		Quota: QuotaConfig{
			Store:                strings.ToLower(k.String("quota.store")),
			ProfileImageLimit:    k.Int("quota.profile.image.limit"),
			ChatMessagesLimit:    k.Int("quota.chat.messages.limit"),
			ChatImageLimit:       k.Int("quota.chat.image.limit"),
			ProfileImageStrategy: strings.ToLower(k.String("quota.profile.image.strategy")),
			ChatMessagesStrategy: strings.ToLower(k.String("quota.chat.messages.strategy")),
			ChatImageStrategy:    strings.ToLower(k.String("quota.chat.image.strategy")),
			MaxAmount:            k.Int("quota.max.amount"),
		},
		Internal: InternalConfig{
			APIKey: k.String("internal.api.key"),
		},
		RateLimit: RateLimitConfig{
			Requests: k.Int("rate.limit.requests"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "companion"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "companion"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 10
	}
	if cfg.Quota.Store == "" {
		cfg.Quota.Store = StorePostgres
	}
	if cfg.Quota.ProfileImageLimit == 0 {
		cfg.Quota.ProfileImageLimit = 1
	}
	if cfg.Quota.ChatMessagesLimit == 0 {
		cfg.Quota.ChatMessagesLimit = 50
	}
	if cfg.Quota.ChatImageLimit == 0 {
		cfg.Quota.ChatImageLimit = 5
	}
	if cfg.Quota.ProfileImageStrategy == "" {
		cfg.Quota.ProfileImageStrategy = "rolling"
	}
	if cfg.Quota.ChatMessagesStrategy == "" {
		cfg.Quota.ChatMessagesStrategy = "rolling"
	}
	if cfg.Quota.ChatImageStrategy == "" {
		cfg.Quota.ChatImageStrategy = "rolling"
	}
	if cfg.Quota.MaxAmount == 0 {
		cfg.Quota.MaxAmount = 10
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 120
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"server.read.timeout", "10s", &cfg.Server.ReadTimeout},
		{"server.write.timeout", "15s", &cfg.Server.WriteTimeout},
		{"server.shutdown.timeout", "10s", &cfg.Server.ShutdownTimeout},
		{"nats.reconnect.wait", "2s", &cfg.NATS.ReconnectWait},
		{"nats.event.retention", "720h", &cfg.NATS.EventRetention},
		{"quota.reset.window", "24h", &cfg.Quota.ResetWindow},
		{"rate.limit.window", "1m", &cfg.RateLimit.Window},
	}
	for _, d := range durations {
		s := k.String(d.key)
		if s == "" {
			s = d.def
		}
		*d.dest, err = time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

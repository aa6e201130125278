package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env           string
	Port          string
	AllowedOrigin string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CatalogTTL    time.Duration

	StoreBackend string // memory, redis, file
	StoreDir     string
	TenantID     string
	ProcessID    string

	BackendURL      string
	BackendToken    string
	BackendUsername string
	BackendPassword string

	ConversionInterval time.Duration
	LockStaleAfter     time.Duration

	AuthSecret        string
	AccessTokenTTL    time.Duration
	SeedTenantID      string
	SeedAdminPassword string
	SeedAgentPassword string

	LogLevel  string
	LogFormat string
	LogOutput string
}

// Load reads comptario.toml when present, then COMPTARIO_* environment
// variables (e.g. COMPTARIO_REDIS_ADDR for redis.addr), then defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("comptario")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/comptario")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("COMPTARIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origin", "http://127.0.0.1:5173")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.catalog_ttl", "30s")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dir", "./.comptario")
	v.SetDefault("tenant.id", "")
	v.SetDefault("process.id", "")
	v.SetDefault("backend.url", "http://127.0.0.1:8080")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.username", "")
	v.SetDefault("backend.password", "")
	v.SetDefault("conversion.interval", "30s")
	v.SetDefault("conversion.lock_stale_after", "10m")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", "8h")
	v.SetDefault("seed.tenant_id", "demo")
	v.SetDefault("seed.admin_password", "")
	v.SetDefault("seed.agent_password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.output", "stdout")
}

func fromViper(v *viper.Viper) Config {
	interval := v.GetDuration("conversion.interval")
	if interval <= 0 {
		interval = 30 * time.Second
	}
	tokenTTL := v.GetDuration("auth.token_ttl")
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	staleAfter := v.GetDuration("conversion.lock_stale_after")
	if staleAfter < 0 {
		staleAfter = 0
	}

	return Config{
		Env:                v.GetString("app.env"),
		Port:               v.GetString("server.port"),
		AllowedOrigin:      v.GetString("server.allowed_origin"),
		DatabaseURL:        strings.TrimSpace(v.GetString("database.url")),
		RedisAddr:          strings.TrimSpace(v.GetString("redis.addr")),
		RedisPassword:      v.GetString("redis.password"),
		RedisDB:            v.GetInt("redis.db"),
		CatalogTTL:         v.GetDuration("cache.catalog_ttl"),
		StoreBackend:       strings.ToLower(strings.TrimSpace(v.GetString("store.backend"))),
		StoreDir:           v.GetString("store.dir"),
		TenantID:           strings.TrimSpace(v.GetString("tenant.id")),
		ProcessID:          strings.TrimSpace(v.GetString("process.id")),
		BackendURL:         v.GetString("backend.url"),
		BackendToken:       strings.TrimSpace(v.GetString("backend.token")),
		BackendUsername:    strings.TrimSpace(v.GetString("backend.username")),
		BackendPassword:    v.GetString("backend.password"),
		ConversionInterval: interval,
		LockStaleAfter:     staleAfter,
		AuthSecret:         strings.TrimSpace(v.GetString("auth.secret")),
		AccessTokenTTL:     tokenTTL,
		SeedTenantID:       strings.TrimSpace(v.GetString("seed.tenant_id")),
		SeedAdminPassword:  v.GetString("seed.admin_password"),
		SeedAgentPassword:  v.GetString("seed.agent_password"),
		LogLevel:           v.GetString("log.level"),
		LogFormat:          v.GetString("log.format"),
		LogOutput:          v.GetString("log.output"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults below
  2. Config file (config.yaml in ./config or ., or the -config path)
  3. .env file in the working directory, if present
  4. Environment variables with the GARRISON_ prefix,
     e.g. GARRISON_DB_DRIVER=postgres, GARRISON_STORAGE_TIMEOUT=3s

Command-line flags in cmd/server override the result.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	DB      DatabaseConfig `mapstructure:"db"`
	Storage StorageConfig  `mapstructure:"storage"`
	Redis   RedisConfig    `mapstructure:"redis"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Log     LogConfig      `mapstructure:"log"`
	Seed    SeedConfig     `mapstructure:"seed"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second per actor, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	Migrate      bool   `mapstructure:"migrate"`
}

type StorageConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables submit idempotency keys when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// AuthConfig selects bearer tokens when JWTSecret is set and trusted
// X-User-* headers otherwise.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SeedConfig controls the reference data written at startup.
type SeedConfig struct {
	Defaults bool `mapstructure:"defaults"`
	Demo     bool `mapstructure:"demo"`
	Year     int  `mapstructure:"year"`
}

// Load reads configuration from path (or the default locations when empty).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.rate_limit", 10)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.path", "garrison.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.migrate", true)

	v.SetDefault("storage.timeout", "5s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "garrison")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("seed.defaults", true)
	v.SetDefault("seed.demo", false)
	v.SetDefault("seed.year", time.Now().Year())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GARRISON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port must be between 1 and 65535")
	}
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("invalid config: db.path is required for sqlite")
		}
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("invalid config: db.dsn is required for postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid config: unknown db.driver %q", c.DB.Driver)
	}
	if c.Storage.Timeout < 0 {
		return fmt.Errorf("invalid config: storage.timeout must not be negative")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("invalid config: auth.jwt_secret must be at least 16 characters")
	}
	return nil
}

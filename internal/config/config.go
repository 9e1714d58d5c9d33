// Package config provides application configuration loaded from environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultTenant is the tenant key used for the primary database.
const DefaultTenant = "default"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig              `mapstructure:"server"`
	Database DatabaseConfig            `mapstructure:"database"`
	Tenants  map[string]DatabaseConfig `mapstructure:"tenants"`
	App      AppConfig                 `mapstructure:"app"`
	Payments PaymentsConfig            `mapstructure:"payments"`
	Queue    QueueConfig               `mapstructure:"queue"`
	HashIDs  HashIDsConfig             `mapstructure:"hashids"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // seconds
}

// DatabaseConfig holds one tenant database's connection settings.
// Driver is "postgres" or "sqlite"; for sqlite only DSN is used.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	DSNOverride  string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	Debug        bool   `mapstructure:"debug"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Dev        bool `mapstructure:"dev"`
	Migrations bool `mapstructure:"migrations"`
	// APIKey unlocks the staff routes (payment lookup and refunds). Empty
	// keeps them closed.
	APIKey string `mapstructure:"api_key"`
}

// PaymentsConfig holds settlement settings.
type PaymentsConfig struct {
	HashSecret      string        `mapstructure:"hash_secret"`
	HashTTL         time.Duration `mapstructure:"hash_ttl"`
	PurchaseTimeout time.Duration `mapstructure:"purchase_timeout"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
	GatewaysFile    string        `mapstructure:"gateways_file"`
}

// QueueConfig sizes the background job bus.
type QueueConfig struct {
	Size    int           `mapstructure:"size"`
	Workers int           `mapstructure:"workers"`
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

// HashIDsConfig configures the opaque id codec.
type HashIDsConfig struct {
	Salt      string `mapstructure:"salt"`
	MinLength int    `mapstructure:"min_length"`
}

// DSN returns the connection string for the configured driver.
// For postgres the key=value form is used unless an explicit DSN is set.
func (d DatabaseConfig) DSN() string {
	if d.DSNOverride != "" {
		return d.DSNOverride
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// URL returns the PostgreSQL connection string in URL format.
func (d DatabaseConfig) URL() string {
	if strings.HasPrefix(d.DSNOverride, "postgres://") || strings.HasPrefix(d.DSNOverride, "postgresql://") {
		return d.DSNOverride
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// TenantDatabases returns every tenant database keyed by tenant, always
// including the primary database under DefaultTenant.
func (c *Config) TenantDatabases() map[string]DatabaseConfig {
	out := make(map[string]DatabaseConfig, len(c.Tenants)+1)
	for k, v := range c.Tenants {
		out[k] = v
	}
	if _, ok := out[DefaultTenant]; !ok {
		out[DefaultTenant] = c.Database
	}
	return out
}

// envBindings keeps the historical environment variable names.
var envBindings = map[string]string{
	"server.port":               "PORT",
	"server.read_timeout":       "SERVER_READ_TIMEOUT",
	"server.write_timeout":      "SERVER_WRITE_TIMEOUT",
	"server.idle_timeout":       "SERVER_IDLE_TIMEOUT",
	"database.driver":           "DB_DRIVER",
	"database.host":             "DB_HOST",
	"database.port":             "DB_PORT",
	"database.user":             "DB_USER",
	"database.password":         "DB_PASSWORD",
	"database.dbname":           "DB_NAME",
	"database.sslmode":          "DB_SSLMODE",
	"database.dsn":              "DATABASE_DSN",
	"database.max_open_conns":   "DB_MAX_OPEN_CONNS",
	"database.debug":            "DB_DEBUG",
	"app.dev":                   "DEV",
	"app.migrations":            "MIGRATIONS",
	"app.api_key":               "API_KEY",
	"payments.hash_secret":      "PAYMENT_HASH_SECRET",
	"payments.hash_ttl":         "PAYMENT_HASH_TTL",
	"payments.purchase_timeout": "PURCHASE_TIMEOUT",
	"payments.publish_timeout":  "PUBLISH_TIMEOUT",
	"payments.gateways_file":    "GATEWAYS_FILE",
	"queue.size":                "QUEUE_SIZE",
	"queue.workers":             "QUEUE_WORKERS",
	"queue.retries":             "QUEUE_RETRIES",
	"queue.backoff":             "QUEUE_BACKOFF",
	"hashids.salt":              "HASHIDS_SALT",
	"hashids.min_length":        "HASHIDS_MIN_LENGTH",
}

// Load reads configuration from environment variables and, when SETTLE_CONFIG
// points to a YAML file, from that file. Environment variables win.
// It uses sensible defaults for local development.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("SETTLE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	for key, t := range cfg.Tenants {
		if t.Driver == "" {
			t.Driver = "postgres"
		}
		cfg.Tenants[key] = t
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.idle_timeout", 60)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "settle")
	v.SetDefault("database.password", "settle123")
	v.SetDefault("database.dbname", "settle")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.debug", false)

	v.SetDefault("app.dev", true)
	v.SetDefault("app.migrations", false)
	v.SetDefault("app.api_key", "")

	v.SetDefault("payments.hash_secret", "devhashsecret")
	v.SetDefault("payments.hash_ttl", "1h")
	v.SetDefault("payments.purchase_timeout", "30s")
	v.SetDefault("payments.publish_timeout", "5s")
	v.SetDefault("payments.gateways_file", "")

	v.SetDefault("queue.size", 256)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.retries", 3)
	v.SetDefault("queue.backoff", "500ms")

	v.SetDefault("hashids.salt", "devhashidsalt")
	v.SetDefault("hashids.min_length", 10)
}

// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	BackendAzure  = "azure"
	BackendSQLite = "sqlite"
)

type Config struct {
	Debug          bool          `yaml:"debug"`
	ListenAddr     string        `yaml:"listenAddr"`
	SessionIdleTTL time.Duration `yaml:"sessionIdleTtl"`
	Storage        Storage       `yaml:"storage"`
	Redis          Redis         `yaml:"redis"`
	Auth           Auth          `yaml:"auth"`
}

type Storage struct {
	Backend          string `yaml:"backend"`
	ConnectionString string `yaml:"connectionString"`
	TasksTable       string `yaml:"tasksTable"`
	// EventsQueue receives every change event when set (Azure only).
	EventsQueue string `yaml:"eventsQueue"`
	SQLitePath  string `yaml:"sqlitePath"`
}

// Redis is optional. Without a connection string changes are signalled in
// process and the cache and idempotency keys are disabled.
type Redis struct {
	ConnectionString string        `yaml:"connectionString"`
	ChannelPrefix    string        `yaml:"channelPrefix"`
	CacheTTL         time.Duration `yaml:"cacheTtl"`
	DeduperTTL       time.Duration `yaml:"deduperTtl"`
}

type Auth struct {
	Domain       string        `yaml:"domain"`
	Audience     string        `yaml:"audience"`
	TestMode     bool          `yaml:"testMode"`
	TestSecret   string        `yaml:"testSecret"`
	JWKSCacheTTL time.Duration `yaml:"jwksCacheTtl"`
}

// Issuer is the token issuer of the configured Auth0 tenant.
func (a Auth) Issuer() string {
	if a.Domain == "" {
		return ""
	}
	return "https://" + a.Domain + "/"
}

// JWKSURL is where the tenant publishes its signing keys.
func (a Auth) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		SessionIdleTTL: 30 * time.Second,
		Storage: Storage{
			Backend:    BackendSQLite,
			TasksTable: "tasks",
			SQLitePath: "prism-calendar.db",
		},
		Redis: Redis{
			ChannelPrefix: "prism-calendar:changes:",
			CacheTTL:      5 * time.Minute,
			DeduperTTL:    24 * time.Hour,
		},
		Auth: Auth{JWKSCacheTTL: 15 * time.Minute},
	}
}

// Load reads CONFIG_FILE if set, applies the environment and validates the
// result.
func Load() (Config, error) {
	return fromEnv(os.LookupEnv)
}

// LoadStorage is Load for commands that only touch storage. Auth and Redis
// settings are read but not validated.
func LoadStorage() (Config, error) {
	return storageFromEnv(os.LookupEnv)
}

func fromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg, err := read(lookup)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func storageFromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg, err := read(lookup)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func read(lookup func(string) (string, bool)) (Config, error) {
	cfg := defaults()
	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	env := envReader{lookup: lookup}
	env.bool("DEBUG", &cfg.Debug)
	env.string("LISTEN_ADDR", &cfg.ListenAddr)
	if port, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		cfg.ListenAddr = ":" + port
	}
	env.duration("SESSION_IDLE_TTL", &cfg.SessionIdleTTL)

	env.string("STORAGE_BACKEND", &cfg.Storage.Backend)
	env.string("STORAGE_CONNECTION_STRING", &cfg.Storage.ConnectionString)
	env.string("TASKS_TABLE", &cfg.Storage.TasksTable)
	env.string("EVENTS_QUEUE", &cfg.Storage.EventsQueue)
	env.string("SQLITE_PATH", &cfg.Storage.SQLitePath)

	env.string("REDIS_CONNECTION_STRING", &cfg.Redis.ConnectionString)
	env.string("REDIS_CHANNEL_PREFIX", &cfg.Redis.ChannelPrefix)
	env.duration("CACHE_TTL", &cfg.Redis.CacheTTL)
	env.duration("DEDUPER_TTL", &cfg.Redis.DeduperTTL)

	env.string("AUTH0_DOMAIN", &cfg.Auth.Domain)
	env.string("AUTH0_AUDIENCE", &cfg.Auth.Audience)
	env.bool("AUTH0_TEST_MODE", &cfg.Auth.TestMode)
	env.string("TEST_JWT_SECRET", &cfg.Auth.TestSecret)
	env.duration("JWKS_CACHE_TTL", &cfg.Auth.JWKSCacheTTL)

	if env.err != nil {
		return Config{}, env.err
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if c.SessionIdleTTL < 0 {
		return errors.New("SESSION_IDLE_TTL must not be negative")
	}
	if c.Redis.DeduperTTL <= 0 || c.Redis.CacheTTL < 0 || c.Auth.JWKSCacheTTL < 0 {
		return errors.New("invalid ttl: DEDUPER_TTL must be positive, CACHE_TTL and JWKS_CACHE_TTL must not be negative")
	}
	return nil
}

func (s Storage) Validate() error {
	switch s.Backend {
	case BackendAzure:
		if s.ConnectionString == "" || s.TasksTable == "" {
			return errors.New("missing storage config: STORAGE_CONNECTION_STRING and TASKS_TABLE are required")
		}
	case BackendSQLite:
		if s.SQLitePath == "" {
			return errors.New("missing storage config: SQLITE_PATH is required")
		}
		if s.EventsQueue != "" && s.ConnectionString == "" {
			return errors.New("EVENTS_QUEUE needs STORAGE_CONNECTION_STRING")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", s.Backend)
	}
	return nil
}

func (a Auth) Validate() error {
	if a.TestMode {
		if a.TestSecret == "" {
			return errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		return nil
	}
	if a.Domain == "" || a.Audience == "" {
		return errors.New("missing Auth0 config: AUTH0_DOMAIN and AUTH0_AUDIENCE are required")
	}
	return nil
}

// RedisOptions parses a Redis connection string. Both the URL form and the
// Azure form "host:port,password=...,ssl=True" are accepted.
func RedisOptions(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	if strings.Contains(conn, "://") {
		return nil, fmt.Errorf("invalid redis url %q", conn)
	}

	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "password":
			opts.Password = value
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(value), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *envReader) string(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) bool(name string, dst *bool) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", name, err)
		return
	}
	*dst = b
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", name, err)
		return
	}
	*dst = d
}

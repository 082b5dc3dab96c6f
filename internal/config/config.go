// Package config loads relay settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that can point at the config file.
const EnvConfigPath = "RELAY_CONFIG"

// DefaultConfigPath is used when neither a flag nor RELAY_CONFIG is set.
const DefaultConfigPath = "config.yaml"

// AppConfig carries process-level inputs resolved by the command line.
type AppConfig struct {
	ConfigPath string
}

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Security  SecurityConfig  `yaml:"security"`
	Queue     QueueConfig     `yaml:"queue"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	MaxBodyBytes           int64  `yaml:"max-body-bytes"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown-timeout-seconds"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max-open-conns"`
}

// RedisConfig enables the shared scheduler and bucket backends when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key-prefix"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// SecurityConfig holds secrets and the inbound credential header names.
type SecurityConfig struct {
	JWTSecret      string `yaml:"jwt-secret"`
	JWTExpiryHours int    `yaml:"jwt-expiry-hours"`
	EncryptionKey  string `yaml:"encryption-key"`
	APIKeyHeader   string `yaml:"api-key-header"`
	AuthHeader     string `yaml:"auth-header"`
}

// JWTConfig is the subset used to issue and verify session tokens.
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// JWT returns the token settings.
func (s SecurityConfig) JWT() JWTConfig {
	return JWTConfig{Secret: s.JWTSecret, Expiry: time.Duration(s.JWTExpiryHours) * time.Hour}
}

// QueueConfig tunes deferred execution.
type QueueConfig struct {
	Workers          int  `yaml:"workers"`
	MaxAttempts      int  `yaml:"max-attempts"`
	InitialBackoffMs int  `yaml:"initial-backoff-ms"`
	PriorityDelayMs  int  `yaml:"priority-delay-ms"`
	PollIntervalMs   int  `yaml:"poll-interval-ms"`
	RetentionDays    int  `yaml:"retention-days"`
	RecoverOnStart   bool `yaml:"recover-on-start"`
}

// TransportConfig tunes the outbound HTTP client.
type TransportConfig struct {
	DialTimeoutSeconds           int  `yaml:"dial-timeout-seconds"`
	TLSHandshakeTimeoutSeconds   int  `yaml:"tls-handshake-timeout-seconds"`
	ResponseHeaderTimeoutSeconds int  `yaml:"response-header-timeout-seconds"`
	RequestTimeoutSeconds        int  `yaml:"request-timeout-seconds"`
	MaxIdleConns                 int  `yaml:"max-idle-conns"`
	InsecureSkipVerify           bool `yaml:"insecure-skip-verify"`
}

// LoggingConfig controls logrus output and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// Default returns a configuration usable for local development.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:                   "",
			Port:                   8080,
			MaxBodyBytes:           10 << 20,
			ShutdownTimeoutSeconds: 15,
		},
		Database: DatabaseConfig{DSN: "file:data/relay.db"},
		Redis:    RedisConfig{KeyPrefix: "relay"},
		Security: SecurityConfig{
			JWTExpiryHours: 24,
			APIKeyHeader:   "X-API-Key",
			AuthHeader:     "Authorization",
		},
		Queue: QueueConfig{
			Workers:          4,
			MaxAttempts:      3,
			InitialBackoffMs: 1000,
			PriorityDelayMs:  1000,
			PollIntervalMs:   200,
			RetentionDays:    7,
			RecoverOnStart:   true,
		},
		Transport: TransportConfig{
			DialTimeoutSeconds:           5,
			TLSHandshakeTimeoutSeconds:   5,
			ResponseHeaderTimeoutSeconds: 60,
			RequestTimeoutSeconds:        120,
			MaxIdleConns:                 200,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// ResolveConfigPath picks the flag value, then RELAY_CONFIG, then the default path.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Load reads defaults, then the YAML file when it exists, then a .env file, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, errRead := os.ReadFile(path)
		switch {
		case errRead == nil:
			if errYAML := yaml.Unmarshal(data, &cfg); errYAML != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, errYAML)
			}
		case errors.Is(errRead, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
		}
	}

	if errEnv := godotenv.Load(); errEnv != nil && !errors.Is(errEnv, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", errEnv)
	}
	if errOverride := applyEnv(&cfg, os.Getenv); errOverride != nil {
		return Config{}, errOverride
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(getenv("ENCRYPTION_KEY")); v != "" {
		cfg.Security.EncryptionKey = v
	}
	if v := strings.TrimSpace(getenv("JWT_SECRET")); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := strings.TrimSpace(getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		port, errParse := strconv.Atoi(v)
		if errParse != nil {
			return fmt.Errorf("config: invalid PORT %q: %w", v, errParse)
		}
		cfg.Server.Port = port
	}
	return nil
}

// Validate rejects configurations the relay cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database dsn is required")
	}
	if strings.TrimSpace(c.Security.EncryptionKey) == "" {
		return fmt.Errorf("config: encryption key is required")
	}
	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		return fmt.Errorf("config: jwt secret is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("config: queue workers must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue max attempts must be positive")
	}
	return nil
}

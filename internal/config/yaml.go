package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level tollgate configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	StepUp    StepUpConfig    `yaml:"stepup"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	TrustProxy      bool       `yaml:"trust_proxy"`
	MaxBodySize     string     `yaml:"max_body_size"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// AuthConfig controls credential handling.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	SessionTTL   string `yaml:"session_ttl"`
	APIKeyHeader string `yaml:"api_key_header"`
	LoginPerMin  int    `yaml:"login_per_minute"`
}

// RateLimitConfig shapes the per-caller token buckets.
type RateLimitConfig struct {
	Backend         string  `yaml:"backend"` // memory or redis
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	RedisAddr       string  `yaml:"redis_addr"`
}

// StepUpConfig controls second-factor freshness for sensitive routes.
type StepUpConfig struct {
	Window string `yaml:"window"`
}

// AuditConfig selects the audit sink. An empty DSN with the sqlite driver
// writes to the main database.
type AuditConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Retries      int    `yaml:"retries"`
	RetryBackoff string `yaml:"retry_backoff"`
	// Log also writes every entry to the process log.
	Log bool `yaml:"log"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxBodySize:     "1MB",
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "DELETE"},
			},
		},
		Auth: AuthConfig{
			SessionTTL:   "24h",
			APIKeyHeader: "X-API-Key",
			LoginPerMin:  10,
		},
		RateLimit: RateLimitConfig{
			Backend:         "memory",
			Capacity:        100,
			RefillPerSecond: 100.0 / 60.0,
		},
		StepUp: StepUpConfig{Window: "10m"},
		Audit: AuditConfig{
			Driver:       "sqlite",
			Retries:      3,
			RetryBackoff: "50ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Settings are the parsed, validated values of a YAMLConfig.
type Settings struct {
	MaxBodySize     int64
	ShutdownTimeout time.Duration
	SessionTTL      time.Duration
	StepUpWindow    time.Duration
	RetryBackoff    time.Duration
}

// Settings parses the human-readable sizes and durations in the file and
// checks the enumerated fields.
func (c *YAMLConfig) Settings() (Settings, error) {
	var s Settings
	var errs []error

	if c.Server.MaxBodySize != "" {
		n, err := humanize.ParseBytes(c.Server.MaxBodySize)
		if err != nil {
			errs = append(errs, fmt.Errorf("server.max_body_size: %w", err))
		}
		s.MaxBodySize = int64(n)
	}
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout, &s.ShutdownTimeout},
		{"auth.session_ttl", c.Auth.SessionTTL, &s.SessionTTL},
		{"stepup.window", c.StepUp.Window, &s.StepUpWindow},
		{"audit.retry_backoff", c.Audit.RetryBackoff, &s.RetryBackoff},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", d.key))
		}
		*d.dst = v
	}

	switch strings.ToLower(c.RateLimit.Backend) {
	case "", "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, errors.New("ratelimit.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend: unknown backend %q", c.RateLimit.Backend))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return s, errors.Join(errs...)
}

package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/model"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// jwtSecretSetting is where a generated signing secret is persisted so
// tokens survive restarts.
const jwtSecretSetting = "auth.jwt_secret"

// resolveDataDir returns the data directory from --data-dir flag,
// TOLLGATE_DATA_DIR env var, or ~/.tollgate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("TOLLGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tollgate")
}

// openConfigStore opens the SQLite config store in the data directory.
func openConfigStore() (*config.Store, error) {
	store, err := config.NewStore(resolveDataDir())
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	return store, nil
}

// loadConfig returns the effective configuration: defaults, then the config
// file viper found, then TOLLGATE_* environment variables and bound flags.
func loadConfig() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.LoadYAMLConfig(path)
		if err != nil {
			if cfgFile == "" && errors.Is(err, os.ErrNotExist) {
				return cfg, nil
			}
			return nil, err
		}
		cfg = loaded
	}
	applyOverrides(cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.YAMLConfig) {
	strs := map[string]*string{
		"server.host":             &cfg.Server.Host,
		"server.max_body_size":    &cfg.Server.MaxBodySize,
		"server.shutdown_timeout": &cfg.Server.ShutdownTimeout,
		"auth.jwt_secret":         &cfg.Auth.JWTSecret,
		"auth.session_ttl":        &cfg.Auth.SessionTTL,
		"auth.api_key_header":     &cfg.Auth.APIKeyHeader,
		"ratelimit.backend":       &cfg.RateLimit.Backend,
		"ratelimit.redis_addr":    &cfg.RateLimit.RedisAddr,
		"stepup.window":           &cfg.StepUp.Window,
		"audit.driver":            &cfg.Audit.Driver,
		"audit.dsn":               &cfg.Audit.DSN,
		"audit.retry_backoff":     &cfg.Audit.RetryBackoff,
		"logging.level":           &cfg.Logging.Level,
		"logging.format":          &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}
	if viper.IsSet("server.port") {
		cfg.Server.Port = viper.GetInt("server.port")
	}
	if viper.IsSet("server.trust_proxy") {
		cfg.Server.TrustProxy = viper.GetBool("server.trust_proxy")
	}
	if viper.IsSet("auth.login_per_minute") {
		cfg.Auth.LoginPerMin = viper.GetInt("auth.login_per_minute")
	}
	if viper.IsSet("ratelimit.capacity") {
		cfg.RateLimit.Capacity = viper.GetInt("ratelimit.capacity")
	}
	if viper.IsSet("ratelimit.refill_per_second") {
		cfg.RateLimit.RefillPerSecond = viper.GetFloat64("ratelimit.refill_per_second")
	}
	if viper.IsSet("audit.retries") {
		cfg.Audit.Retries = viper.GetInt("audit.retries")
	}
	if viper.IsSet("audit.log") {
		cfg.Audit.Log = viper.GetBool("audit.log")
	}
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// resolveJWTSecret returns the configured signing secret, or the one
// persisted in the store, generating and persisting one on first use.
func resolveJWTSecret(ctx context.Context, store *config.Store, cfg *config.YAMLConfig) (string, error) {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret, nil
	}
	secret, err := store.GetSetting(ctx, jwtSecretSetting)
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		return "", err
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	secret = hex.EncodeToString(b)
	if err := store.SetSetting(ctx, jwtSecretSetting, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// operator is the principal CLI commands act as. Commands run with direct
// access to the store, so they are not bounded by any tenant.
func operator() model.Principal {
	return model.Principal{ID: "cli:operator", Kind: model.KindService, Scopes: []string{"*:*"}}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}

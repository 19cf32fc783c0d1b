// Package config loads the Warden configuration. Values are layered:
// built-in defaults, then an optional YAML file, then WARDEN_ environment
// variables (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/warden/internal/domain"
)

const (
	// EnvPrefix prefixes every configuration environment variable.
	EnvPrefix = "WARDEN_"

	// PathEnvVar overrides the config file location.
	PathEnvVar = "WARDEN_CONFIG"

	// TierEnvVar selects the default set ("community" or "pro").
	TierEnvVar = "WARDEN_TIER"
)

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"warden.yaml",
	"warden.yml",
	"/etc/warden/warden.yaml",
}

// sliceKeys are parsed from comma separated env values.
var sliceKeys = []string{
	"eventbus.kafka_brokers",
	"server.cors_origins",
}

// Load builds the configuration from the process environment. A .env file
// in the working directory is read first; real variables take precedence.
func Load() (*domain.Config, error) {
	_ = godotenv.Load()
	return LoadFrom(os.Getenv(PathEnvVar))
}

// LoadFrom builds the configuration using an explicit file. An empty path
// searches DefaultPaths; a named file must exist.
func LoadFrom(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(TierEnvVar), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &domain.Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps WARDEN_STORE__REDIS_ADDR to store.redis_addr. A double
// underscore separates sections so single underscores survive in names.
func envKey(name string) string {
	if name == PathEnvVar || name == TierEnvVar {
		return ""
	}
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(name, "__", ".")
}

func findFile() string {
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags plus the cross-field rules tags cannot
// express.
func Validate(cfg *domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	var errs []error
	if cfg.Store.Type == "redis" && cfg.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redis_addr is required for the redis store"))
	}
	switch cfg.EventBus.Type {
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			errs = append(errs, errors.New("eventbus.nats_url is required for the nats bus"))
		}
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("eventbus.kafka_brokers is required for the kafka bus"))
		}
	}
	if cfg.Server.Environment == "production" && cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required in production"))
	}
	if cfg.Fraud.BorderlineRatio < 0 || cfg.Fraud.BorderlineRatio > 1 {
		errs = append(errs, errors.New("fraud.borderline_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

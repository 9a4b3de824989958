package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"

	"github.com/daaily/daaily-go/internal/tokensource"
	"github.com/daaily/daaily-go/internal/tokenstore"
)

// EnvPrefix prefixes environment variables read into the configuration.
// Nested keys are separated by a double underscore, e.g. DAAILY_AUTH__STORAGE.
const EnvPrefix = "DAAILY_"

// TokenStorageType selects where refresh tokens are persisted.
type TokenStorageType string

const (
	TokenStorageTypeNone    TokenStorageType = "none"
	TokenStorageTypeEnv     TokenStorageType = "env"
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeRedis   TokenStorageType = "redis"
)

// Config is the complete client configuration.
type Config struct {
	// Profile selects the token endpoint generation ("v2" or "v3").
	Profile string `koanf:"profile" validate:"required,oneof=v2 v3"`
	// BaseURL overrides the profile's API base URL.
	BaseURL string `koanf:"base_url" validate:"omitempty,url"`

	Log       LogConfig       `koanf:"log"`
	Auth      AuthConfig      `koanf:"auth"`
	Exchange  ExchangeConfig  `koanf:"exchange"`
	Transport TransportConfig `koanf:"transport"`
	Proxy     ProxyConfig     `koanf:"proxy"`
}

type LogConfig struct {
	Level    string `koanf:"level" validate:"oneof=debug info warn error"`
	Format   string `koanf:"format" validate:"oneof=text json"`
	Exporter string `koanf:"exporter" validate:"oneof=none stdout otlphttp otlpgrpc"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

// AuthConfig holds the identity and the refresh token storage. Empty identity
// fields are resolved from the profile's environment variables.
type AuthConfig struct {
	Email  string `koanf:"email" validate:"omitempty,email"`
	UID    string `koanf:"uid"`
	APIKey string `koanf:"api_key"`

	Storage        TokenStorageType `koanf:"storage" validate:"oneof=none env file keyring redis"`
	EnvVar         string           `koanf:"env_var"`
	File           string           `koanf:"file" validate:"required_if=Storage file"`
	KeyringService string           `koanf:"keyring_service"`
	RedisAddr      string           `koanf:"redis_addr" validate:"required_if=Storage redis"`
	RedisKey       string           `koanf:"redis_key"`
}

// ExchangeConfig tunes the token exchange client.
type ExchangeConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
}

// TransportConfig tunes the authorized transport.
type TransportConfig struct {
	MaxRefreshAttempts int   `koanf:"max_refresh_attempts" validate:"gte=0"`
	RefreshStatusCodes []int `koanf:"refresh_status_codes" validate:"min=1,dive,gte=400,lte=599"`
	// RefreshSkew defaults to the profile's skew when unset.
	RefreshSkew time.Duration `koanf:"refresh_skew" validate:"gte=0"`
}

// ProxyConfig configures the local authenticating proxy.
type ProxyConfig struct {
	Addr string `koanf:"addr" validate:"required"`
	// Upstream defaults to the effective API base URL.
	Upstream        string `koanf:"upstream" validate:"omitempty,url"`
	MaxRequestBytes int64  `koanf:"max_request_bytes" validate:"gt=0"`
}

// defaults returns the baseline configuration as a flat koanf map.
func defaults() map[string]any {
	return map[string]any{
		"profile": tokensource.ProfileV3.Name,

		"log.level":    "info",
		"log.format":   "text",
		"log.exporter": "none",

		"auth.storage":         string(TokenStorageTypeFile),
		"auth.file":            defaultTokenFile(),
		"auth.keyring_service": tokenstore.DefaultKeyringService,

		"exchange.max_attempts":    tokensource.DefaultMaxAttempts,
		"exchange.initial_backoff": tokensource.DefaultInitialBackoff.String(),
		"exchange.timeout":         "30s",

		"transport.max_refresh_attempts": 2,
		"transport.refresh_status_codes": []int{401},

		"proxy.addr":              "127.0.0.1:4000",
		"proxy.max_request_bytes": 10 << 20,
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".daaily-refresh-token"
	}
	return filepath.Join(dir, "daaily", "refresh-token")
}

// LoadConfig merges, in increasing precedence: defaults, the TOML file at path
// (skipped when path is empty), DAAILY_* variables from environ, and overrides
// (flat dotted keys, typically from CLI flags). The result is validated.
func LoadConfig(path string, environ func() []string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if environ == nil {
		environ = os.Environ
	}
	envProvider := env.Provider(".", env.Opt{
		Prefix:      EnvPrefix,
		EnvironFunc: environ,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			key = strings.ReplaceAll(key, "__", ".")
			if key == "transport.refresh_status_codes" {
				return key, strings.Split(value, ",")
			}
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("loading overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	profile, err := tokensource.ProfileByName(cfg.Profile)
	if err != nil {
		return nil, err
	}
	cfg.Profile = profile.Name
	if !k.Exists("transport.refresh_skew") {
		cfg.Transport.RefreshSkew = profile.RefreshSkew
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EffectiveProfile returns the endpoint profile with BaseURL applied.
func (c *Config) EffectiveProfile() tokensource.Profile {
	profile, err := tokensource.ProfileByName(c.Profile)
	if err != nil {
		profile = tokensource.ProfileV3
	}
	if c.BaseURL != "" {
		profile.BaseURL = c.BaseURL
	}
	return profile
}

// NewTokenStore creates the configured refresh token store for user, or nil
// when storage is disabled.
func (a *AuthConfig) NewTokenStore(user string) (tokenstore.TokenStore, error) {
	switch a.Storage {
	case TokenStorageTypeNone, "":
		return nil, nil
	case TokenStorageTypeEnv:
		return tokenstore.NewEnvStore(a.EnvVar), nil
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(a.File), nil
	case TokenStorageTypeKeyring:
		if user == "" {
			return nil, errors.New("keyring storage requires a user email")
		}
		return tokenstore.NewKeyringStore(a.KeyringService, user), nil
	case TokenStorageTypeRedis:
		key := a.RedisKey
		if key == "" {
			if user == "" {
				return nil, errors.New("redis storage requires a user email or redis_key")
			}
			key = tokenstore.RedisKey(user)
		}
		client := redis.NewClient(&redis.Options{Addr: a.RedisAddr})
		return tokenstore.NewRedisStore(client, key), nil
	default:
		return nil, fmt.Errorf("unsupported token storage %q", a.Storage)
	}
}

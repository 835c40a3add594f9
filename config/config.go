// Package config loads service configuration from defaults and PRESENCE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "PRESENCE_"

// ErrLifetime reports inconsistent subscription lifetimes.
var ErrLifetime = errors.New("subscription_lifetime and renew_window must not exceed max_lifetime")

// Config holds the runtime configuration.
type Config struct {
	// Identity platform.
	TenantID string   `koanf:"tenant_id" validate:"required"`
	ClientID string   `koanf:"client_id" validate:"required"`
	Scopes   []string `koanf:"scopes" validate:"min=1"`

	// Presence service.
	GraphBaseURL    string `koanf:"graph_base_url" validate:"required,url"`
	UserID          string `koanf:"user_id"`
	NotificationURL string `koanf:"notification_url" validate:"required,url"`
	LifecycleURL    string `koanf:"lifecycle_url" validate:"omitempty,url"`

	// Encryption certificate used for resource data.
	CertificateID string `koanf:"certificate_id" validate:"required"`
	CertFile      string `koanf:"cert_file" validate:"required"`
	KeyFile       string `koanf:"key_file" validate:"required"`

	// Push relay.
	PusherKey     string `koanf:"pusher_key" validate:"required"`
	PusherCluster string `koanf:"pusher_cluster" validate:"required_without=PusherHost"`
	PusherHost    string `koanf:"pusher_host"`
	DataEvent     string `koanf:"data_event" validate:"required"`
	ControlEvent  string `koanf:"control_event" validate:"required"`

	// Persisted state: SQLite wins over a bucket, a bucket over a directory.
	StateDir              string `koanf:"state_dir" validate:"required_without_all=StateBucket StateDB"`
	StateBucket           string `koanf:"state_bucket"`
	StateDB               string `koanf:"state_db"`
	GoogleCredentialsJSON string `koanf:"google_credentials_json"`

	// Display. An empty host selects the logging driver.
	NanoleafHost  string `koanf:"nanoleaf_host"`
	NanoleafToken string `koanf:"nanoleaf_token" validate:"required_with=NanoleafHost"`

	Addr     string `koanf:"addr" validate:"required"`
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`

	SubscriptionLifetime time.Duration `koanf:"subscription_lifetime" validate:"gt=0,lifetime"`
	MaxLifetime          time.Duration `koanf:"max_lifetime" validate:"gt=0"`
	RenewWindow          time.Duration `koanf:"renew_window" validate:"gt=0"`
	DeleteOnExit         bool          `koanf:"delete_on_exit"`
}

// DefaultAppConfig holds the values used when no environment override is set.
var DefaultAppConfig = Config{
	TenantID:             "organizations",
	Scopes:               []string{"Presence.Read", "User.Read", "offline_access"},
	GraphBaseURL:         "https://graph.microsoft.com/v1.0",
	PusherCluster:        "mt1",
	DataEvent:            "notification",
	ControlEvent:         "reauthorizationRequired",
	StateDir:             "./data",
	Addr:                 ":8080",
	LogLevel:             "info",
	SubscriptionLifetime: 55 * time.Minute,
	MaxLifetime:          60 * time.Minute,
	RenewWindow:          45 * time.Minute,
}

// Loaders are variables so tests can inject failures.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
			},
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		return v.RegisterValidation("lifetime", validLifetime)
	}
)

// Load builds the configuration: defaults, then environment, then validation.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i, s := range cfg.Scopes {
		cfg.Scopes[i] = strings.TrimSpace(s)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "lifetime" {
					return nil, ErrLifetime
				}
			}
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// validLifetime checks the subscription lifetimes against each other.
func validLifetime(fl validator.FieldLevel) bool {
	parent := fl.Parent()
	lifetime := time.Duration(fl.Field().Int())
	maxLifetime := time.Duration(parent.FieldByName("MaxLifetime").Int())
	renew := time.Duration(parent.FieldByName("RenewWindow").Int())
	return lifetime <= maxLifetime && renew <= maxLifetime
}

// Level maps LogLevel onto slog.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired sets every variable without a default.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PRESENCE_CLIENT_ID", "client-123")
	t.Setenv("PRESENCE_NOTIFICATION_URL", "https://relay.example.com/hook")
	t.Setenv("PRESENCE_CERTIFICATE_ID", "cert-1")
	t.Setenv("PRESENCE_CERT_FILE", "/etc/presence/cert.pem")
	t.Setenv("PRESENCE_KEY_FILE", "/etc/presence/key.pem")
	t.Setenv("PRESENCE_PUSHER_KEY", "app-key")
}

func TestDefaultConfig(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	want := DefaultAppConfig
	want.ClientID = "client-123"
	want.NotificationURL = "https://relay.example.com/hook"
	want.CertificateID = "cert-1"
	want.CertFile = "/etc/presence/cert.pem"
	want.KeyFile = "/etc/presence/key.pem"
	want.PusherKey = "app-key"
	assert.EqualValues(t, want, *cfg)
}

func TestMissingRequired(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ClientID")
}

func TestEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PRESENCE_SCOPES", "Presence.Read, offline_access")
	t.Setenv("PRESENCE_SUBSCRIPTION_LIFETIME", "30m")
	t.Setenv("PRESENCE_RENEW_WINDOW", "20m")
	t.Setenv("PRESENCE_DELETE_ON_EXIT", "true")
	t.Setenv("PRESENCE_STATE_DB", "/var/lib/presence/state.db")
	t.Setenv("PRESENCE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Presence.Read", "offline_access"}, cfg.Scopes)
	assert.Equal(t, 30*time.Minute, cfg.SubscriptionLifetime)
	assert.Equal(t, 20*time.Minute, cfg.RenewWindow)
	assert.True(t, cfg.DeleteOnExit)
	assert.Equal(t, "/var/lib/presence/state.db", cfg.StateDB)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "notification url not a url", key: "PRESENCE_NOTIFICATION_URL", value: "not a url"},
		{name: "lifecycle url not a url", key: "PRESENCE_LIFECYCLE_URL", value: "::"},
		{name: "unknown log level", key: "PRESENCE_LOG_LEVEL", value: "verbose"},
		{name: "bad duration", key: "PRESENCE_MAX_LIFETIME", value: "forever"},
		{name: "nanoleaf host without token", key: "PRESENCE_NANOLEAF_HOST", value: "192.168.1.20"},
		{name: "no state location", key: "PRESENCE_STATE_DIR", value: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestBadLifetime(t *testing.T) {
	setRequired(t)
	t.Setenv("PRESENCE_SUBSCRIPTION_LIFETIME", "90m")
	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLifetime)
}

func TestLoadDefaultError(t *testing.T) {
	orig := defaultLoader
	t.Cleanup(func() { defaultLoader = orig })
	defaultLoader = func(k *koanf.Koanf) error {
		assert.NotNil(t, k)
		return assert.AnError
	}
	_, err := Load()
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}

func TestLoadEnvError(t *testing.T) {
	orig := envLoader
	t.Cleanup(func() { envLoader = orig })
	envLoader = func(k *koanf.Koanf) error {
		assert.NotNil(t, k)
		return assert.AnError
	}
	_, err := Load()
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}

func TestRegisterValidationFails(t *testing.T) {
	orig := registerValidators
	t.Cleanup(func() { registerValidators = orig })
	registerValidators = func(v *validator.Validate) error {
		assert.NotNil(t, v)
		return assert.AnError
	}
	_, err := Load()
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}

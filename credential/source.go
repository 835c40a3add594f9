// Package credential obtains and refreshes the bearer token used against the
// presence service.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

var (
	// ErrAcquire is returned when every configured source failed.
	ErrAcquire = errors.New("credential: unable to acquire token")
	// ErrNoRefreshToken means silent acquisition has nothing to work with.
	ErrNoRefreshToken = errors.New("credential: no refresh token")
)

// Source produces a fresh token, optionally starting from the current one.
type Source interface {
	Acquire(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error)
}

// Config describes the identity platform application.
type Config struct {
	TenantID string
	ClientID string
	Scopes   []string
	// AuthorityURL overrides https://login.microsoftonline.com/{tenant}.
	AuthorityURL string
}

// OAuth2Config builds the oauth2 configuration for a public client.
func (c Config) OAuth2Config() *oauth2.Config {
	endpoint := microsoft.AzureADEndpoint(c.TenantID)
	authority := "https://login.microsoftonline.com/" + c.TenantID
	if c.AuthorityURL != "" {
		authority = strings.TrimRight(c.AuthorityURL, "/")
		endpoint.AuthURL = authority + "/oauth2/v2.0/authorize"
		endpoint.TokenURL = authority + "/oauth2/v2.0/token"
	}
	endpoint.DeviceAuthURL = authority + "/oauth2/v2.0/devicecode"
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: endpoint,
		Scopes:   c.Scopes,
	}
}

// Silent exchanges the current refresh token without user interaction.
type Silent struct {
	cfg *oauth2.Config
}

// NewSilent creates a refresh-token source.
func NewSilent(cfg *oauth2.Config) *Silent {
	return &Silent{cfg: cfg}
}

// Acquire implements Source.
func (s *Silent) Acquire(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	tok, err := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token grant: %w", err)
	}
	return tok, nil
}

// Prompt shows the device-code instructions to the user.
type Prompt func(verificationURI, userCode string)

// WriterPrompt prints the device-code instructions to w.
func WriterPrompt(w io.Writer) Prompt {
	return func(uri, code string) {
		fmt.Fprintf(w, "To sign in, open %s and enter the code %s\n", uri, code)
	}
}

// Interactive runs the device-code grant, blocking until the user completes sign-in.
type Interactive struct {
	cfg    *oauth2.Config
	prompt Prompt
	logger *slog.Logger
}

// NewInteractive creates a device-code source.
func NewInteractive(cfg *oauth2.Config, prompt Prompt, logger *slog.Logger) *Interactive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interactive{cfg: cfg, prompt: prompt, logger: logger}
}

// Acquire implements Source.
func (i *Interactive) Acquire(ctx context.Context, _ *oauth2.Token) (*oauth2.Token, error) {
	da, err := i.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	i.logger.Info("Waiting for device sign-in", "verification_uri", da.VerificationURI, "user_code", da.UserCode)
	if i.prompt != nil {
		i.prompt(da.VerificationURI, da.UserCode)
	}
	tok, err := i.cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device access token: %w", err)
	}
	return tok, nil
}

// Chain tries each source in order and returns the first token obtained.
type Chain []Source

// Acquire implements Source. If every source fails the result wraps ErrAcquire.
func (c Chain) Acquire(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error) {
	var errs []error
	for _, src := range c {
		tok, err := src.Acquire(ctx, current)
		if err == nil {
			return tok, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcquire, ctx.Err())
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrAcquire, errors.Join(errs...))
}

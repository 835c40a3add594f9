package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"presence-indicator/pkg/presence"
)

// refreshMargin is how far before expiry a cached token is replaced.
const refreshMargin = 5 * time.Minute

// TokenStore persists the token between runs. LoadToken returns nil when none exists.
type TokenStore interface {
	LoadToken(ctx context.Context) (*oauth2.Token, error)
	SaveToken(ctx context.Context, tok *oauth2.Token) error
}

// Provider hands out the current credential, acquiring a new one when needed.
type Provider struct {
	source  Source
	store   TokenStore
	logger  *slog.Logger
	now     func() time.Time
	current *oauth2.Token
	mu      sync.Mutex
}

// NewProvider creates a Provider. store may be nil.
func NewProvider(source Source, store TokenStore, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{source: source, store: store, logger: logger, now: time.Now}
}

// Token returns the cached credential if it is valid for at least refreshMargin,
// otherwise acquires a new one.
func (p *Provider) Token(ctx context.Context) (presence.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.loadLocked(ctx); err != nil {
		return presence.Credential{}, err
	}
	if p.current != nil {
		cred := Describe(p.current)
		if cred.Valid(p.now().Add(refreshMargin)) {
			return cred, nil
		}
	}
	return p.acquireLocked(ctx)
}

// Refresh discards the cached access token and acquires a new one.
func (p *Provider) Refresh(ctx context.Context) (presence.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.loadLocked(ctx); err != nil {
		return presence.Credential{}, err
	}
	return p.acquireLocked(ctx)
}

func (p *Provider) loadLocked(ctx context.Context) error {
	if p.current != nil || p.store == nil {
		return nil
	}
	tok, err := p.store.LoadToken(ctx)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	p.current = tok
	return nil
}

func (p *Provider) acquireLocked(ctx context.Context) (presence.Credential, error) {
	start := time.Now()
	tok, err := p.source.Acquire(ctx, p.current)
	if err != nil {
		p.logger.Error("Token acquisition failed", "error", err)
		return presence.Credential{}, err
	}
	if tok.RefreshToken == "" && p.current != nil {
		tok.RefreshToken = p.current.RefreshToken
	}
	p.current = tok

	if p.store != nil {
		if err := p.store.SaveToken(ctx, tok); err != nil {
			p.logger.Warn("Failed to persist token", "error", err)
		}
	}

	cred := Describe(tok)
	p.logger.Info("Token acquired", "account_id", cred.AccountID, "expires_at", cred.ExpiresAt, "duration_ms", time.Since(start).Milliseconds())
	return cred, nil
}

// Describe converts an oauth2 token into a Credential, reading the account id
// and expiry from the access token's claims when it is a JWT.
func Describe(tok *oauth2.Token) presence.Credential {
	cred := presence.Credential{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return cred
	}
	if oid, ok := claims["oid"].(string); ok && oid != "" {
		cred.AccountID = oid
	} else if sub, err := claims.GetSubject(); err == nil {
		cred.AccountID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"presence-indicator/pkg/presence"
)

// Records reads and writes the JSON state and token documents on a Backend.
type Records struct {
	backend Backend
	logger  *slog.Logger
}

// NewRecords wraps backend.
func NewRecords(backend Backend, logger *slog.Logger) *Records {
	if logger == nil {
		logger = slog.Default()
	}
	return &Records{backend: backend, logger: logger}
}

// LoadState returns the persisted state, or an empty state if none was saved.
func (r *Records) LoadState(ctx context.Context) (*presence.State, error) {
	var st presence.State
	found, err := r.load(ctx, StateKey, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		r.logger.Debug("No persisted state, starting empty")
	}
	return &st, nil
}

// SaveState replaces the persisted state.
func (r *Records) SaveState(ctx context.Context, st *presence.State) error {
	return r.save(ctx, StateKey, st)
}

// Forget removes the persisted state. The token is kept so the next start
// can sign in silently.
func (r *Records) Forget(ctx context.Context) error {
	if err := r.backend.Delete(ctx, StateKey); err != nil {
		return fmt.Errorf("forget %s: %w", StateKey, err)
	}
	r.logger.Info("Persisted state removed")
	return nil
}

// LoadToken returns the persisted token, or nil if none was saved.
func (r *Records) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	var tok oauth2.Token
	found, err := r.load(ctx, TokenKey, &tok)
	if err != nil || !found {
		return nil, err
	}
	return &tok, nil
}

// SaveToken replaces the persisted token.
func (r *Records) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	return r.save(ctx, TokenKey, tok)
}

func (r *Records) load(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.backend.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *Records) save(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

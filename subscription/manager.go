// Package subscription keeps exactly one presence change-notification
// subscription alive for the lifetime of the process.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence-indicator/graph"
	"presence-indicator/pkg/presence"
)

// DefaultMargin is how close to expiry a subscription is treated as gone.
const DefaultMargin = 5 * time.Minute

// ErrFatal wraps every lifecycle failure that exhausted its retry budget.
var ErrFatal = errors.New("subscription: fatal lifecycle failure")

// API is the subset of the REST client the manager needs.
type API interface {
	Create(ctx context.Context, token string, req graph.CreateRequest) (*graph.Subscription, error)
	Update(ctx context.Context, token, id string, expiry time.Time) (*graph.Subscription, error)
	Delete(ctx context.Context, token, id string) error
	List(ctx context.Context, token string) ([]graph.Subscription, error)
}

// StateStore persists the subscription record. LoadState returns an empty
// state when nothing was saved; a nil state is treated as empty.
type StateStore interface {
	LoadState(ctx context.Context) (*presence.State, error)
	SaveState(ctx context.Context, st *presence.State) error
}

// Credentials supplies bearer tokens. The manager never mutates them.
type Credentials interface {
	Token(ctx context.Context) (presence.Credential, error)
	Refresh(ctx context.Context) (presence.Credential, error)
}

// Certificates returns the base64 DER certificate sent at creation.
type Certificates interface {
	Certificate(id string) (string, error)
}

// Config holds the subscription parameters.
type Config struct {
	UserID          string // watched user; empty means the signed-in account
	NotificationURL string
	LifecycleURL    string
	CertificateID   string
	Lifetime        time.Duration
	MaxLifetime     time.Duration
	RenewWindow     time.Duration
	Margin          time.Duration
}

func (c *Config) applyDefaults() {
	if c.Lifetime == 0 {
		c.Lifetime = 55 * time.Minute
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 60 * time.Minute
	}
	if c.RenewWindow == 0 {
		c.RenewWindow = 45 * time.Minute
	}
	if c.Margin == 0 {
		c.Margin = DefaultMargin
	}
}

// Status is a point-in-time copy of the manager's view.
type Status struct {
	LastCheck    time.Time             `json:"last_check"`
	Subscription presence.Subscription `json:"subscription"`
	State        string                `json:"state"`
	LastError    string                `json:"last_error,omitempty"`
}

// Manager serializes every lifecycle operation behind one mutex.
type Manager struct {
	api     API
	store   StateStore
	creds   Credentials
	certs   Certificates
	logger  *slog.Logger
	now     func() time.Time
	current presence.Subscription
	lastErr error
	checked time.Time
	cfg     Config
	state   State
	mu      sync.Mutex
}

// New creates a Manager in the Absent state.
func New(cfg Config, api API, store StateStore, creds Credentials, certs Certificates, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		api:    api,
		store:  store,
		creds:  creds,
		certs:  certs,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  Absent,
	}
}

// ResourceFor returns the presence resource path of userID.
func ResourceFor(userID string) string {
	return "/communications/presences/" + userID
}

func (m *Manager) move(to State) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.logger.Debug("Subscription state transition", "from", m.state.String(), "to", to.String())
	m.state = to
	return nil
}

// fail records a fatal failure and leaves no live subscription known.
func (m *Manager) fail(op string, err error) error {
	if m.state != Absent {
		if moveErr := m.move(Absent); moveErr != nil {
			return moveErr
		}
	}
	m.current = presence.Subscription{}
	return fmt.Errorf("%w: %s: %w", ErrFatal, op, err)
}

// load returns the persisted state, never nil.
func (m *Manager) load(ctx context.Context) (*presence.State, error) {
	st, err := m.store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		st = &presence.State{}
	}
	return st, nil
}

func (m *Manager) record(err error) {
	m.lastErr = err
	m.checked = m.now()
}

// EnsureActive creates or renews the subscription depending on the persisted
// expiry. It is safe to call repeatedly.
func (m *Manager) EnsureActive(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.ensureLocked(ctx)
	m.record(err)
	return err
}

func (m *Manager) ensureLocked(ctx context.Context) error {
	st, err := m.load(ctx)
	if err != nil {
		return err
	}
	action := decide(st, m.now(), m.cfg.Margin)
	m.logger.Info("Ensuring subscription", "action", action.String(), "subscription_id", st.SubscriptionID, "state", m.state.String())
	if action == ActionRenew {
		return m.renewLocked(ctx, st)
	}
	return m.createLocked(ctx, st, st.ClientState, st.Resource)
}

// Create registers a new subscription with the given client state and resource.
func (m *Manager) Create(ctx context.Context, clientState, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return err
	}
	err = m.createLocked(ctx, st, clientState, resource)
	m.record(err)
	return err
}

func (m *Manager) createLocked(ctx context.Context, st *presence.State, clientState, resource string) error {
	if err := m.move(Creating); err != nil {
		return err
	}

	cred, err := m.creds.Token(ctx)
	if err != nil {
		return m.fail("acquire token", err)
	}
	if clientState == "" {
		clientState = uuid.NewString()
	}
	userID := m.cfg.UserID
	if userID == "" {
		userID = cred.AccountID
	}
	if resource == "" {
		if userID == "" {
			return m.fail("resolve resource", errors.New("no user id configured or present in token"))
		}
		resource = ResourceFor(userID)
	}
	cert, err := m.certs.Certificate(m.cfg.CertificateID)
	if err != nil {
		return m.fail("load certificate", err)
	}

	conflictRetried, authRetried := false, false
	for {
		expiry := m.now().Add(min(m.cfg.Lifetime, m.cfg.MaxLifetime)).UTC()
		start := time.Now()
		sub, err := m.api.Create(ctx, cred.AccessToken, graph.CreateRequest{
			ChangeType:               "updated",
			Resource:                 resource,
			NotificationURL:          m.cfg.NotificationURL,
			LifecycleNotificationURL: m.cfg.LifecycleURL,
			IncludeResourceData:      true,
			ExpirationDateTime:       expiry,
			EncryptionCertificate:    cert,
			EncryptionCertificateID:  m.cfg.CertificateID,
			ClientState:              clientState,
		})
		if err == nil {
			if !sub.ExpirationDateTime.IsZero() {
				expiry = sub.ExpirationDateTime
			}
			st.SubscriptionID = sub.ID
			st.SetExpiry(expiry)
			st.ClientState = clientState
			st.Resource = resource
			st.AccessToken = cred.AccessToken
			st.UserID = userID
			if err := m.store.SaveState(ctx, st); err != nil {
				return m.fail("save state", err)
			}
			m.current = subscriptionOf(st, m.cfg.NotificationURL, expiry)
			m.logger.Info("Subscription created",
				"subscription_id", sub.ID,
				"resource", resource,
				"expires_at", expiry,
				"duration_ms", time.Since(start).Milliseconds())
			return m.move(Active)
		}

		switch {
		case graph.IsConflict(err) && !conflictRetried:
			conflictRetried = true
			m.logger.Warn("Subscription already exists, deleting and retrying", "resource", resource)
			if err := m.move(Recreating); err != nil {
				return err
			}
			m.deleteExistingLocked(ctx, cred.AccessToken, st, resource)
			if err := m.move(Creating); err != nil {
				return err
			}
		case graph.IsUnauthorized(err) && !authRetried:
			authRetried = true
			m.logger.Warn("Create rejected as unauthorized, refreshing credentials")
			if err := m.move(ReauthPending); err != nil {
				return err
			}
			cred, err = m.creds.Refresh(ctx)
			if err != nil {
				return m.fail("refresh token", err)
			}
			if err := m.move(Creating); err != nil {
				return err
			}
		default:
			m.logger.Error("Subscription create failed", "status_code", graph.StatusCode(err), "error", err)
			return m.fail("create subscription", err)
		}
	}
}

// Renew extends the stored subscription.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return err
	}
	if st.SubscriptionID == "" {
		return fmt.Errorf("%w: renew: no stored subscription", ErrFatal)
	}
	err = m.renewLocked(ctx, st)
	m.record(err)
	return err
}

func (m *Manager) renewLocked(ctx context.Context, st *presence.State) error {
	if err := m.move(Renewing); err != nil {
		return err
	}
	cred, err := m.creds.Token(ctx)
	if err != nil {
		return m.fail("acquire token", err)
	}

	authRetried := false
	for {
		expiry := m.now().Add(min(m.cfg.RenewWindow, m.cfg.MaxLifetime)).UTC()
		sub, err := m.api.Update(ctx, cred.AccessToken, st.SubscriptionID, expiry)
		if err == nil {
			if !sub.ExpirationDateTime.IsZero() {
				expiry = sub.ExpirationDateTime
			}
			st.SetExpiry(expiry)
			st.AccessToken = cred.AccessToken
			if err := m.store.SaveState(ctx, st); err != nil {
				return m.fail("save state", err)
			}
			m.current = subscriptionOf(st, m.cfg.NotificationURL, expiry)
			m.logger.Info("Subscription renewed", "subscription_id", st.SubscriptionID, "expires_at", expiry)
			return m.move(Active)
		}

		switch {
		case graph.IsUnauthorized(err) && !authRetried:
			authRetried = true
			m.logger.Warn("Renew rejected as unauthorized, refreshing credentials", "subscription_id", st.SubscriptionID)
			if err := m.move(ReauthPending); err != nil {
				return err
			}
			cred, err = m.creds.Refresh(ctx)
			if err != nil {
				return m.fail("refresh token", err)
			}
			if err := m.move(Renewing); err != nil {
				return err
			}
		case graph.IsNotFound(err):
			m.logger.Warn("Subscription no longer exists remotely", "subscription_id", st.SubscriptionID)
			st.SubscriptionID = ""
			st.ExpirationDateTime = ""
			if saveErr := m.store.SaveState(ctx, st); saveErr != nil {
				m.logger.Error("Failed to clear stored subscription", "error", saveErr)
			}
			return m.fail("renew subscription", err)
		default:
			m.logger.Error("Subscription renew failed", "subscription_id", st.SubscriptionID, "status_code", graph.StatusCode(err), "error", err)
			return m.fail("renew subscription", err)
		}
	}
}

// deleteLocked deletes id and clears it from st when it matches.
func (m *Manager) deleteLocked(ctx context.Context, token string, st *presence.State, id string) bool {
	if err := m.api.Delete(ctx, token, id); err != nil && !graph.IsNotFound(err) {
		m.logger.Warn("Failed to delete subscription", "subscription_id", id, "error", err)
		return false
	}
	m.logger.Info("Subscription deleted", "subscription_id", id)
	if st.SubscriptionID == id {
		st.SubscriptionID = ""
		st.ExpirationDateTime = ""
		if err := m.store.SaveState(ctx, st); err != nil {
			m.logger.Warn("Failed to clear stored subscription", "error", err)
		}
		if m.current.ID == id {
			m.current = presence.Subscription{}
		}
	}
	return true
}

// deleteExistingLocked removes whatever subscription blocks a create: the
// stored one if known, otherwise the first remote one on the same resource.
// It issues at most one delete.
func (m *Manager) deleteExistingLocked(ctx context.Context, token string, st *presence.State, resource string) {
	if st.SubscriptionID != "" {
		m.deleteLocked(ctx, token, st, st.SubscriptionID)
		return
	}
	if err := m.listActive(ctx, token, st, resource); err != nil {
		m.logger.Warn("Failed to find conflicting subscription", "resource", resource, "error", err)
	}
}

// listActive deletes the first remote subscription whose resource matches.
func (m *Manager) listActive(ctx context.Context, token string, st *presence.State, resource string) error {
	subs, err := m.api.List(ctx, token)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if strings.EqualFold(sub.Resource, resource) {
			m.deleteLocked(ctx, token, st, sub.ID)
			return nil
		}
	}
	m.logger.Info("No remote subscription matched resource", "resource", resource, "listed", len(subs))
	return nil
}

// Reauthorize handles a lifecycle signal: refresh credentials, then renew,
// or create when no subscription is stored or the stored one is gone.
func (m *Manager) Reauthorize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.reauthorizeLocked(ctx)
	m.record(err)
	return err
}

func (m *Manager) reauthorizeLocked(ctx context.Context) error {
	if err := m.move(ReauthPending); err != nil {
		return err
	}
	if _, err := m.creds.Refresh(ctx); err != nil {
		return m.fail("reauthorize", err)
	}
	st, err := m.load(ctx)
	if err != nil {
		return m.fail("reauthorize", err)
	}
	if st.SubscriptionID == "" {
		return m.createLocked(ctx, st, st.ClientState, st.Resource)
	}
	err = m.renewLocked(ctx, st)
	if graph.IsNotFound(err) {
		return m.createLocked(ctx, st, st.ClientState, st.Resource)
	}
	return err
}

// ClientState returns the persisted client-state token, creating it on first use.
func (m *Manager) ClientState(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if st.ClientState != "" {
		return st.ClientState, nil
	}
	st.ClientState = uuid.NewString()
	if err := m.store.SaveState(ctx, st); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	m.logger.Info("Generated client state")
	return st.ClientState, nil
}

// Teardown deletes the stored subscription remotely.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(ctx)
	if err != nil {
		return err
	}
	if st.SubscriptionID == "" {
		return nil
	}
	cred, err := m.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	if !m.deleteLocked(ctx, cred.AccessToken, st, st.SubscriptionID) {
		return errors.New("teardown: delete failed")
	}
	if m.state != Absent {
		return m.move(Absent)
	}
	return nil
}

// Snapshot returns the current state and subscription.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{State: m.state.String(), Subscription: m.current, LastCheck: m.checked}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Expiry returns the expiry of the live subscription, or zero when none is known.
func (m *Manager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.ExpiresAt
}

func subscriptionOf(st *presence.State, notificationURL string, expiry time.Time) presence.Subscription {
	return presence.Subscription{
		ID:              st.SubscriptionID,
		Resource:        st.Resource,
		ClientState:     st.ClientState,
		NotificationURL: notificationURL,
		ExpiresAt:       expiry,
	}
}

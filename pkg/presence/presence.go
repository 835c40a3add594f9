// Package presence contains the core domain types for the presence indicator service.
package presence

import "time"

// Record is a decrypted presence update for the watched user.
type Record struct {
	Availability string `json:"availability"` // Available, Busy, DoNotDisturb, Away, BeRightBack, Offline, ...
	Activity     string `json:"activity"`     // InACall, Presenting, OutOfOffice, ...
}

// Subscription is the single change-notification subscription owned by this process.
type Subscription struct {
	ExpiresAt       time.Time `json:"expires_at"`
	ID              string    `json:"id"`
	Resource        string    `json:"resource"`         // e.g. /communications/presences/{userId}
	ClientState     string    `json:"client_state"`     // Echoed back by the service and used as the relay channel
	NotificationURL string    `json:"notification_url"` // Where the service pushes change notifications
}

// Credential is the bearer token currently used against the presence service.
type Credential struct {
	ExpiresAt   time.Time
	AccessToken string
	AccountID   string // Object id of the signed-in account
}

// Valid reports whether the credential holds a token that is not expired at now.
func (c Credential) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// EncryptedEnvelope is the encrypted resource data carried by a notification.
// All fields are base64 strings exactly as delivered.
type EncryptedEnvelope struct {
	Data                            string `json:"data"`
	DataSignature                   string `json:"dataSignature"`
	DataKey                         string `json:"dataKey"`
	EncryptionCertificateID         string `json:"encryptionCertificateId"`
	EncryptionCertificateThumbprint string `json:"encryptionCertificateThumbprint"`
}

// State is the persisted subscription record, reloaded on every lifecycle check.
type State struct {
	SubscriptionID     string `json:"subscription_id,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expiration_date_time,omitempty"` // RFC 3339
	ClientState        string `json:"client_state,omitempty"`
	AccessToken        string `json:"access_token,omitempty"`
	UserID             string `json:"user_id,omitempty"`
}

// Expiry parses the stored expiration timestamp.
func (s *State) Expiry() (time.Time, error) {
	return time.Parse(time.RFC3339, s.ExpirationDateTime)
}

// SetExpiry stores t in the persisted representation.
func (s *State) SetExpiry(t time.Time) {
	s.ExpirationDateTime = t.UTC().Format(time.RFC3339)
}

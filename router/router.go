// Package router turns relay events into display updates.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"presence-indicator/display"
	"presence-indicator/envelope"
	"presence-indicator/pkg/presence"
	"presence-indicator/relay"
)

// Default relay event names.
const (
	DefaultDataEvent    = "notification"
	DefaultControlEvent = "reauthorizationRequired"
)

// Lifecycle event values carried by notification items.
const (
	lifecycleReauthorize = "reauthorizationRequired"
	lifecycleRemoved     = "subscriptionRemoved"
	lifecycleMissed      = "missed"
)

// Router delivers decrypted records to the display.
type Router struct {
	driver display.Driver
	logger *slog.Logger
	last   presence.Record
	lastAt time.Time
	mu     sync.Mutex
}

// New creates a router in front of driver.
func New(driver display.Driver, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{driver: driver, logger: logger}
}

// Route shows rec. A driver failure is logged; the record still counts as delivered.
func (r *Router) Route(ctx context.Context, rec presence.Record) {
	r.mu.Lock()
	r.last = rec
	r.lastAt = time.Now()
	r.mu.Unlock()

	startTime := time.Now()
	if err := r.driver.Show(ctx, rec); err != nil {
		r.logger.Error("Failed to update display",
			"availability", rec.Availability,
			"activity", rec.Activity,
			"duration_ms", time.Since(startTime).Milliseconds(),
			"error", err)
		return
	}
	r.logger.Info("Presence delivered",
		"availability", rec.Availability,
		"activity", rec.Activity,
		"duration_ms", time.Since(startTime).Milliseconds())
}

// Last returns the most recently routed record and when it arrived.
// ok is false until the first record has been routed.
func (r *Router) Last() (rec presence.Record, at time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastAt, !r.lastAt.IsZero()
}

// Opener decrypts a single envelope.
type Opener interface {
	Open(env presence.EncryptedEnvelope) (presence.Record, error)
}

// Reauthorizer restores the subscription after the service revokes it.
type Reauthorizer interface {
	Reauthorize(ctx context.Context) error
}

// DispatcherConfig names the relay events and the expected client state.
type DispatcherConfig struct {
	DataEvent    string
	ControlEvent string
	// ClientState drops notification items that carry a different value.
	ClientState string
}

// Dispatcher implements relay.Handler.
type Dispatcher struct {
	opener Opener
	reauth Reauthorizer
	router *Router
	logger *slog.Logger
	cfg    DispatcherConfig
}

// NewDispatcher wires decryption, lifecycle handling and routing together.
func NewDispatcher(cfg DispatcherConfig, opener Opener, reauth Reauthorizer, router *Router, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DataEvent == "" {
		cfg.DataEvent = DefaultDataEvent
	}
	if cfg.ControlEvent == "" {
		cfg.ControlEvent = DefaultControlEvent
	}
	return &Dispatcher{opener: opener, reauth: reauth, router: router, logger: logger, cfg: cfg}
}

// item is one entry of a notification collection.
type item struct {
	EncryptedContent *presence.EncryptedEnvelope `json:"encryptedContent"`
	ClientState      *string                     `json:"clientState"`
	SubscriptionID   string                      `json:"subscriptionId"`
	LifecycleEvent   string                      `json:"lifecycleEvent"`
}

// HandleEvent processes one relay event. It never panics.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev relay.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered from panic handling relay event",
				"event", ev.Name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	switch ev.Name {
	case d.cfg.ControlEvent:
		d.reauthorize(ctx, ev.Name)
	case d.cfg.DataEvent:
		items, err := parseItems(ev.Data)
		if err != nil {
			d.logger.Warn("Dropping unparseable notification", "kind", envelope.KindMalformed.String(), "error", err)
			return
		}
		for _, it := range items {
			d.handleItem(ctx, it)
		}
	default:
		d.logger.Debug("Ignoring relay event", "event", ev.Name)
	}
}

func (d *Dispatcher) handleItem(ctx context.Context, it item) {
	if it.ClientState != nil && *it.ClientState != d.cfg.ClientState {
		d.logger.Warn("Dropping notification with unexpected client state", "subscription_id", it.SubscriptionID)
		return
	}

	switch it.LifecycleEvent {
	case "":
	case lifecycleReauthorize, lifecycleRemoved:
		d.reauthorize(ctx, it.LifecycleEvent)
		return
	case lifecycleMissed:
		d.logger.Warn("Service reports missed notifications", "subscription_id", it.SubscriptionID)
		return
	default:
		d.logger.Info("Ignoring lifecycle event", "lifecycle_event", it.LifecycleEvent)
		return
	}

	if it.EncryptedContent == nil {
		d.logger.Warn("Dropping notification without resource data", "subscription_id", it.SubscriptionID)
		return
	}

	rec, err := d.opener.Open(*it.EncryptedContent)
	if err != nil {
		msg := "Dropping notification that failed to open"
		switch {
		case envelope.IsKeyNotFound(err):
			msg = "Dropping notification encrypted for an unknown certificate"
		case envelope.IsIntegrity(err):
			msg = "Dropping notification with invalid signature"
		}
		d.logger.Warn(msg,
			"kind", envelope.KindOf(err).String(),
			"certificate_id", it.EncryptedContent.EncryptionCertificateID,
			"error", err)
		return
	}
	d.router.Route(ctx, rec)
}

func (d *Dispatcher) reauthorize(ctx context.Context, reason string) {
	d.logger.Info("Reauthorizing subscription", "reason", reason)
	if err := d.reauth.Reauthorize(ctx); err != nil {
		d.logger.Error("Failed to reauthorize subscription", "reason", reason, "error", err)
	}
}

// parseItems accepts either a notification collection or a bare envelope.
func parseItems(data []byte) ([]item, error) {
	data = bytes.TrimSpace(data)
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	if raw, ok := probe["value"]; ok {
		var items []item
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode notification collection: %w", err)
		}
		return items, nil
	}

	var env presence.EncryptedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Data == "" {
		return nil, errors.New("event carries neither a collection nor an envelope")
	}
	return []item{{EncryptedContent: &env}}, nil
}

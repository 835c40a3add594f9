// Package relay receives push-delivered notifications from a Pusher Channels
// relay over a websocket (protocol 7).
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	protocolVersion = "7"
	clientName      = "presence-indicator"
	clientVersion   = "1.0"

	defaultActivityTimeout = 120 * time.Second
	pongTimeout            = 30 * time.Second
	readLimit              = 1 << 20
)

// Event is one application event received on the subscribed channel.
type Event struct {
	Name    string
	Channel string
	Data    []byte
}

// Handler consumes events. HandleEvent runs on its own goroutine per event.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// CloseError reports a close code the relay told us not to reconnect after.
type CloseError struct {
	Reason string
	Code   int
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("relay closed connection: %d %s", e.Code, e.Reason)
}

// IsFatal reports whether err is a non-reconnectable close.
func IsFatal(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce)
}

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnConnect runs after every successful subscribe.
	OnConnect func(ctx context.Context) error
	Key       string
	Cluster   string
	// Host overrides ws-{cluster}.pusher.com; it may include a scheme.
	Host           string
	Channel        string
	ReconnectDelay time.Duration
	MaxBackoff     time.Duration
}

// Client maintains one subscription to Channel, reconnecting as needed.
type Client struct {
	handler   Handler
	logger    *slog.Logger
	cfg       Config
	wg        sync.WaitGroup
	connected atomic.Bool
}

// New creates a relay client delivering events to h.
func New(cfg Config, h Handler) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Client{handler: h, logger: cfg.Logger, cfg: cfg}
}

// URL returns the websocket endpoint for the configured app key.
func (c *Client) URL() string {
	base := c.cfg.Host
	if base == "" {
		base = "ws-" + c.cfg.Cluster + ".pusher.com"
	}
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}
	q := url.Values{}
	q.Set("protocol", protocolVersion)
	q.Set("client", clientName)
	q.Set("version", clientVersion)
	q.Set("flash", "false")
	return strings.TrimRight(base, "/") + "/app/" + url.PathEscape(c.cfg.Key) + "?" + q.Encode()
}

// Connected reports whether a subscribed session is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects and serves events until ctx is done or the relay closes with a
// fatal code. It waits for in-flight handlers before returning.
func (c *Client) Run(ctx context.Context) error {
	defer c.wg.Wait()

	backoff := c.cfg.ReconnectDelay
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		established, err := c.session(ctx, conn)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			backoff = c.cfg.ReconnectDelay
		}

		code := closeCode(err)
		switch {
		case code >= 4000 && code < 4100:
			c.logger.Error("Relay closed connection permanently", "code", code, "error", err)
			return &CloseError{Code: code, Reason: err.Error()}
		case code >= 4100 && code < 4200:
			c.logger.Warn("Relay asked to back off before reconnecting", "code", code, "delay", backoff)
		default:
			c.logger.Warn("Relay connection lost, reconnecting", "code", code, "delay", backoff, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, _, err = websocket.Dial(ctx, c.URL(), &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
			if err != nil {
				return fmt.Errorf("dial relay: %w", err)
			}
			return nil
		},
		retry.Attempts(0),
		retry.Delay(c.cfg.ReconnectDelay),
		retry.MaxDelay(c.cfg.MaxBackoff),
		retry.MaxJitter(c.cfg.ReconnectDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying relay connection after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

type message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// payload unwraps data that the relay delivers as a JSON-encoded string.
func payload(raw json.RawMessage) []byte {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return raw
}

// session runs one connection until it fails. established reports whether
// the relay acknowledged the connection.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) (established bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.CloseNow() }()

	var lastActivity atomic.Int64
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }
	touch()

	for {
		var msg message
		if err := wsjson.Read(sctx, conn, &msg); err != nil {
			return established, err
		}
		touch()

		switch msg.Event {
		case "pusher:connection_established":
			var info struct {
				SocketID        string `json:"socket_id"`
				ActivityTimeout int    `json:"activity_timeout"`
			}
			if err := json.Unmarshal(payload(msg.Data), &info); err != nil {
				return established, fmt.Errorf("decode connection_established: %w", err)
			}
			established = true
			activity := defaultActivityTimeout
			if info.ActivityTimeout > 0 {
				activity = time.Duration(info.ActivityTimeout) * time.Second
			}
			c.logger.Info("Relay connection established", "socket_id", info.SocketID, "activity_timeout_s", int(activity.Seconds()))
			go c.keepalive(sctx, conn, activity, &lastActivity)

			sub := map[string]any{"event": "pusher:subscribe", "data": map[string]string{"channel": c.cfg.Channel}}
			if err := wsjson.Write(sctx, conn, sub); err != nil {
				return established, fmt.Errorf("subscribe: %w", err)
			}

		case "pusher_internal:subscription_succeeded":
			c.connected.Store(true)
			c.logger.Info("Subscribed to relay channel")
			if c.cfg.OnConnect != nil {
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					if err := c.cfg.OnConnect(ctx); err != nil {
						c.logger.Error("Connect hook failed", "error", err)
					}
				}()
			}

		case "pusher:subscription_error":
			var serr struct {
				Type   string `json:"type"`
				Error  string `json:"error"`
				Status int    `json:"status"`
			}
			_ = json.Unmarshal(payload(msg.Data), &serr)
			c.logger.Warn("Relay rejected channel subscription",
				"channel", c.cfg.Channel,
				"type", serr.Type,
				"status", serr.Status,
				"error", serr.Error)
			// Not established: repeated rejections keep growing the backoff.
			return false, fmt.Errorf("subscription rejected: %d %s", serr.Status, serr.Error)

		case "pusher:ping":
			if err := wsjson.Write(sctx, conn, map[string]any{"event": "pusher:pong", "data": map[string]any{}}); err != nil {
				return established, fmt.Errorf("pong: %w", err)
			}

		case "pusher:pong":

		case "pusher:error":
			var perr struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			}
			_ = json.Unmarshal(payload(msg.Data), &perr)
			c.logger.Warn("Relay reported error", "code", perr.Code, "message", perr.Message)
			if perr.Code >= 4000 && perr.Code < 4100 {
				return established, &CloseError{Code: perr.Code, Reason: perr.Message}
			}

		default:
			if strings.HasPrefix(msg.Event, "pusher:") || strings.HasPrefix(msg.Event, "pusher_internal:") {
				continue
			}
			if msg.Channel != c.cfg.Channel {
				continue
			}
			ev := Event{Name: msg.Event, Channel: msg.Channel, Data: payload(msg.Data)}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handler.HandleEvent(ctx, ev)
			}()
		}
	}
}

// keepalive pings after activity of silence and drops the connection when
// no traffic follows within pongTimeout.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, activity time.Duration, last *atomic.Int64) {
	t := time.NewTicker(max(activity/4, 100*time.Millisecond))
	defer t.Stop()
	pinged := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		idle := time.Since(time.Unix(0, last.Load()))
		switch {
		case idle < activity:
			pinged = false
		case pinged && idle >= activity+pongTimeout:
			c.logger.Warn("Relay did not answer ping, reconnecting", "idle_s", int(idle.Seconds()))
			_ = conn.Close(websocket.StatusGoingAway, "pong timeout")
			return
		case !pinged:
			pinged = true
			if err := wsjson.Write(ctx, conn, map[string]any{"event": "pusher:ping", "data": map[string]any{}}); err != nil {
				c.logger.Warn("Failed to send ping", "error", err)
			}
		}
	}
}

func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return int(websocket.CloseStatus(err))
}

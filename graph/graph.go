// Package graph talks to the presence service's subscription REST API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBaseURL is the Microsoft Graph v1.0 root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Method     string
	URL        string
	Code       string // service error code, e.g. "ExtensionError"
	Message    string
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: HTTP %d %s: %s", e.Method, e.URL, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsConflict reports a 409 answer.
func IsConflict(err error) bool { return StatusCode(err) == http.StatusConflict }

// IsUnauthorized reports a 401 answer.
func IsUnauthorized(err error) bool { return StatusCode(err) == http.StatusUnauthorized }

// IsNotFound reports a 404 answer.
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// CreateRequest is the body of POST /subscriptions.
type CreateRequest struct {
	ExpirationDateTime       time.Time `json:"expirationDateTime"`
	ChangeType               string    `json:"changeType"`
	Resource                 string    `json:"resource"`
	NotificationURL          string    `json:"notificationUrl"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	EncryptionCertificate    string    `json:"encryptionCertificate"`
	EncryptionCertificateID  string    `json:"encryptionCertificateId"`
	ClientState              string    `json:"clientState"`
	IncludeResourceData      bool      `json:"includeResourceData"`
}

// Subscription is the service's view of a subscription.
type Subscription struct {
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	ClientState        string    `json:"clientState"`
	NotificationURL    string    `json:"notificationUrl"`
}

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	BaseURL    string
	Attempts   uint
	Delay      time.Duration
}

// Client is a thin, retrying wrapper over the subscription endpoints.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	attempts uint
	delay    time.Duration
}

// New creates a Client.
func New(cfg Config) *Client {
	c := &Client{
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.attempts == 0 {
		c.attempts = 3
	}
	if c.delay == 0 {
		c.delay = time.Second
	}
	return c
}

// Create registers a new subscription.
func (c *Client) Create(ctx context.Context, token string, req CreateRequest) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, token, http.MethodPost, c.baseURL+"/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Update moves the expiry of subscription id.
func (c *Client) Update(ctx context.Context, token, id string, expiry time.Time) (*Subscription, error) {
	body := struct {
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}{expiry.UTC()}
	var sub Subscription
	if err := c.do(ctx, token, http.MethodPatch, c.baseURL+"/subscriptions/"+id, body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Delete removes subscription id.
func (c *Client) Delete(ctx context.Context, token, id string) error {
	return c.do(ctx, token, http.MethodDelete, c.baseURL+"/subscriptions/"+id, nil, nil)
}

// List returns every subscription visible to the token, following nextLink paging.
func (c *Client) List(ctx context.Context, token string) ([]Subscription, error) {
	var all []Subscription
	next := c.baseURL + "/subscriptions"
	for page := 0; next != ""; page++ {
		if page >= 100 {
			return nil, errors.New("list subscriptions: too many pages")
		}
		var resp struct {
			NextLink string         `json:"@odata.nextLink"`
			Value    []Subscription `json:"value"`
		}
		if err := c.do(ctx, token, http.MethodGet, next, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Value...)
		next = resp.NextLink
	}
	return all, nil
}

func (c *Client) do(ctx context.Context, token, method, url string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var statusErr *StatusError
	err := retry.Do(
		func() error {
			statusErr = nil
			var body io.Reader = http.NoBody
			if payload != nil {
				body = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, url, body)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", "application/json")
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			start := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"method", method,
					"url", url,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("HTTP request completed",
				"method", method,
				"url", url,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode >= 300 {
				statusErr = readStatusError(resp, method, url)
				if retryable(resp.StatusCode) {
					return statusErr
				}
				return retry.Unrecoverable(statusErr)
			}

			if out == nil || resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying request after error", "method", method, "attempt", n, "error", err)
		}),
	)
	if statusErr != nil {
		return statusErr
	}
	if err != nil {
		return fmt.Errorf("%s %s after retries: %w", method, url, err)
	}
	return nil
}

func readStatusError(resp *http.Response, method, url string) *StatusError {
	se := &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return se
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		se.Code = body.Error.Code
		se.Message = body.Error.Message
	}
	return se
}

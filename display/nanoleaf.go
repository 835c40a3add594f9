package display

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"presence-indicator/pkg/presence"
)

// NanoleafPort is the panel's local OpenAPI port.
const NanoleafPort = 16021

// Nanoleaf drives a Nanoleaf panel over its local OpenAPI.
type Nanoleaf struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewNanoleaf creates a driver for the panel at host using an auth token
// obtained by pairing. host may carry a scheme and port for testing.
func NewNanoleaf(host, token string, logger *slog.Logger) *Nanoleaf {
	if logger == nil {
		logger = slog.Default()
	}
	base := host
	if !strings.Contains(base, "://") {
		base = fmt.Sprintf("http://%s:%d", host, NanoleafPort)
	}
	return &Nanoleaf{
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
		baseURL: strings.TrimRight(base, "/") + "/api/v1/" + token,
	}
}

type effect struct {
	Command   string  `json:"command"`
	Version   string  `json:"version"`
	AnimType  string  `json:"animType"`
	ColorType string  `json:"colorType"`
	Palette   []Color `json:"palette"`
	Duration  float64 `json:"duration"`
	Loop      bool    `json:"loop"`
}

// Show writes the record's palette as a highlight effect, or powers the panel
// off when the palette is empty.
func (n *Nanoleaf) Show(ctx context.Context, rec presence.Record) error {
	palette := Palette(rec)
	if palette == nil {
		return n.put(ctx, "/state", map[string]any{"on": map[string]bool{"value": false}})
	}
	return n.put(ctx, "/effects", map[string]any{"write": effect{
		Command:   "display",
		Version:   "2.0",
		AnimType:  "highlight",
		ColorType: "HSB",
		Palette:   palette,
		Duration:  1,
		Loop:      true,
	}})
}

func (n *Nanoleaf) put(ctx context.Context, path string, body any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.baseURL+path, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := n.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				n.logger.Warn("Nanoleaf request failed, will retry",
					"path", path,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					n.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				err := fmt.Errorf("nanoleaf %s: HTTP %d", path, resp.StatusCode)
				if resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}

			n.logger.Debug("Nanoleaf request completed", "path", path, "duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			n.logger.Info("Retrying Nanoleaf update after error", "attempt", attempt, "error", err)
		}),
	)
}

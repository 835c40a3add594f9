// Package renewal keeps the subscription alive ahead of its expiry.
package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	minInterval = time.Minute
	maxInterval = 30 * time.Minute
)

// Lifecycle is the part of the subscription manager the monitor drives.
type Lifecycle interface {
	EnsureActive(ctx context.Context) error
	Expiry() time.Time
}

// Monitor periodically checks the subscription and renews or recreates it.
type Monitor struct {
	lifecycle Lifecycle
	logger    *slog.Logger
	now       func() time.Time
	margin    time.Duration
}

// New creates a renewal monitor. margin is the lifecycle's expiry margin.
func New(lifecycle Lifecycle, margin time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		lifecycle: lifecycle,
		logger:    logger,
		now:       time.Now,
		margin:    margin,
	}
}

// Check runs one lifecycle pass.
func (m *Monitor) Check(ctx context.Context) error {
	startTime := m.now()
	if err := m.lifecycle.EnsureActive(ctx); err != nil {
		return fmt.Errorf("ensure subscription: %w", err)
	}
	m.logger.Info("Subscription check completed",
		"expires_at", m.lifecycle.Expiry().Format(time.RFC3339),
		"duration_ms", m.now().Sub(startTime).Milliseconds())
	return nil
}

// Run checks the subscription until ctx is done. Failures are logged and
// retried on the next tick.
func (m *Monitor) Run(ctx context.Context) {
	for {
		interval, reason := CalculateInterval(m.lifecycle.Expiry(), m.now(), m.margin)
		m.logger.Info("Next subscription check scheduled",
			"interval", interval.String(),
			"reason", reason)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Context cancelled, stopping renewal monitor", "error", ctx.Err())
			return
		case <-timer.C:
		}

		if err := m.Check(ctx); err != nil {
			m.logger.Error("Subscription check failed", "error", err)
		}
	}
}

// CalculateInterval determines how long to wait before the next check so the
// subscription is renewed while still comfortably outside its expiry margin.
func CalculateInterval(expiry, now time.Time, margin time.Duration) (time.Duration, string) {
	if expiry.IsZero() {
		return minInterval, "no active subscription"
	}

	interval := expiry.Sub(now) - 2*margin
	switch {
	case interval < minInterval:
		return minInterval, "expiry imminent"
	case interval > maxInterval:
		return maxInterval, "capped at maximum interval"
	default:
		return interval, "ahead of expiry"
	}
}

package display

import (
	"context"
	"log/slog"
	"sync"

	"presence-indicator/pkg/presence"
)

// Mock is a logging driver for local development without a panel.
type Mock struct {
	logger *slog.Logger
	shown  []presence.Record
	mu     sync.Mutex
}

// NewMock creates a new mock driver.
func NewMock(logger *slog.Logger) *Mock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mock{logger: logger}
}

// Show logs the record instead of rendering it.
func (m *Mock) Show(_ context.Context, rec presence.Record) error {
	m.mu.Lock()
	m.shown = append(m.shown, rec)
	m.mu.Unlock()
	m.logger.Info("MOCK DISPLAY",
		"availability", rec.Availability,
		"activity", rec.Activity,
		"colors", len(Palette(rec)))
	return nil
}

// Shown returns every record rendered so far.
func (m *Mock) Shown() []presence.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]presence.Record(nil), m.shown...)
}

// Package display renders presence records on an output device.
package display

import (
	"context"

	"presence-indicator/pkg/presence"
)

// Driver defines the interface for output device implementations.
type Driver interface {
	// Show renders rec. It must not retain rec.
	Show(ctx context.Context, rec presence.Record) error
}

// Color is one HSB palette entry.
type Color struct {
	Hue         int `json:"hue"`
	Saturation  int `json:"saturation"`
	Brightness  int `json:"brightness"`
	Probability int `json:"probability"`
}

var (
	paletteAvailable = []Color{{Hue: 100, Saturation: 100, Brightness: 100, Probability: 70}, {Hue: 100, Saturation: 75, Brightness: 100, Probability: 30}}
	paletteBusy      = []Color{{Hue: 0, Saturation: 100, Brightness: 100, Probability: 50}, {Hue: 0, Saturation: 100, Brightness: 70, Probability: 50}}
	paletteAway      = []Color{{Hue: 45, Saturation: 80, Brightness: 100, Probability: 10}, {Hue: 40, Saturation: 100, Brightness: 100, Probability: 90}}
	paletteOOF       = []Color{{Hue: 282, Saturation: 100, Brightness: 10, Probability: 20}, {Hue: 0, Saturation: 0, Brightness: 0, Probability: 80}}
)

// Palette maps a record to the colors to show. A nil result means the
// device should be switched off.
func Palette(rec presence.Record) []Color {
	switch rec.Availability {
	case "Offline", "PresenceUnknown":
		return nil
	case "Busy", "BusyIdle", "DoNotDisturb":
		return paletteBusy
	case "Away", "BeRightBack":
		return paletteAway
	}
	if rec.Activity == "OutOfOffice" {
		return paletteOOF
	}
	return paletteAvailable
}

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"presence-indicator/config"
	"presence-indicator/display"
	"presence-indicator/pkg/presence"
	"presence-indicator/storage"
)

func TestOpenBackend(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(dir string) *config.Config
		want string
	}{
		{
			name: "sqlite wins over directory",
			cfg: func(dir string) *config.Config {
				return &config.Config{StateDB: filepath.Join(dir, "state.db"), StateDir: dir}
			},
			want: "*storage.SQLite",
		},
		{
			name: "local directory",
			cfg: func(dir string) *config.Config {
				return &config.Config{StateDir: filepath.Join(dir, "state")}
			},
			want: "*storage.Store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend, closeFn, err := openBackend(ctx, tt.cfg(t.TempDir()), slog.Default())
			if err != nil {
				t.Fatalf("openBackend() error = %v", err)
			}
			defer closeFn()

			var got string
			switch backend.(type) {
			case *storage.SQLite:
				got = "*storage.SQLite"
			case *storage.Store:
				got = "*storage.Store"
			}
			if got != tt.want {
				t.Errorf("backend = %T, want %s", backend, tt.want)
			}

			records := storage.NewRecords(backend, nil)
			if err := records.SaveState(ctx, &presence.State{SubscriptionID: "sub-1"}); err != nil {
				t.Fatalf("SaveState() error = %v", err)
			}
			st, err := records.LoadState(ctx)
			if err != nil || st.SubscriptionID != "sub-1" {
				t.Errorf("LoadState() = %+v, %v", st, err)
			}
		})
	}
}

func TestNewDisplay(t *testing.T) {
	if _, ok := newDisplay(&config.Config{}, slog.Default()).(*display.Mock); !ok {
		t.Error("empty NanoleafHost should select the mock display")
	}
	if _, ok := newDisplay(&config.Config{NanoleafHost: "10.0.0.5", NanoleafToken: "tok"}, slog.Default()).(*display.Nanoleaf); !ok {
		t.Error("NanoleafHost should select the Nanoleaf driver")
	}
}

func TestAfterFirstSkipsInitialConnect(t *testing.T) {
	calls := 0
	fn := afterFirst(func(context.Context) error {
		calls++
		return nil
	})
	ctx := context.Background()

	for i, want := range []int{0, 1, 2} {
		if err := fn(ctx); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if calls != want {
			t.Errorf("after call %d: calls = %d, want %d", i, calls, want)
		}
	}
}

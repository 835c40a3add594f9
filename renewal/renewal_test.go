package renewal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCalculateInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	margin := 5 * time.Minute
	tests := []struct {
		name       string
		expiry     time.Time
		want       time.Duration
		wantReason string
	}{
		{name: "no subscription", expiry: time.Time{}, want: time.Minute, wantReason: "no active subscription"},
		{name: "already expired", expiry: now.Add(-time.Hour), want: time.Minute, wantReason: "expiry imminent"},
		{name: "inside margin", expiry: now.Add(4 * time.Minute), want: time.Minute, wantReason: "expiry imminent"},
		{name: "just outside double margin", expiry: now.Add(11 * time.Minute), want: time.Minute, wantReason: "ahead of expiry"},
		{name: "twenty minutes left", expiry: now.Add(20 * time.Minute), want: 10 * time.Minute, wantReason: "ahead of expiry"},
		{name: "fresh subscription", expiry: now.Add(55 * time.Minute), want: 30 * time.Minute, wantReason: "capped at maximum interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := CalculateInterval(tt.expiry, now, margin)
			if got != tt.want {
				t.Errorf("CalculateInterval() = %v, want %v", got, tt.want)
			}
			if reason != tt.wantReason {
				t.Errorf("CalculateInterval() reason = %q, want %q", reason, tt.wantReason)
			}
			if got < minInterval || got > maxInterval {
				t.Errorf("CalculateInterval() = %v outside [%v, %v]", got, minInterval, maxInterval)
			}
		})
	}
}

type fakeLifecycle struct {
	err    error
	expiry time.Time
	calls  atomic.Int32
}

func (f *fakeLifecycle) EnsureActive(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func (f *fakeLifecycle) Expiry() time.Time { return f.expiry }

func TestCheck(t *testing.T) {
	ok := &fakeLifecycle{expiry: time.Now().Add(time.Hour)}
	if err := New(ok, 5*time.Minute, nil).Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if ok.calls.Load() != 1 {
		t.Errorf("EnsureActive calls = %d, want 1", ok.calls.Load())
	}

	sentinel := errors.New("graph unavailable")
	failing := &fakeLifecycle{err: sentinel}
	if err := New(failing, 5*time.Minute, nil).Check(context.Background()); !errors.Is(err, sentinel) {
		t.Errorf("Check() error = %v, want wrapping %v", err, sentinel)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	lc := &fakeLifecycle{}
	m := New(lc, 5*time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if lc.calls.Load() != 0 {
		t.Errorf("EnsureActive calls = %d before first interval elapsed", lc.calls.Load())
	}
}

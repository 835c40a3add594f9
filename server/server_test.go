package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"presence-indicator/pkg/presence"
	"presence-indicator/subscription"
)

type fakeLifecycle struct {
	err    error
	status subscription.Status
	calls  int
}

func (f *fakeLifecycle) Snapshot() subscription.Status { return f.status }

func (f *fakeLifecycle) EnsureActive(context.Context) error {
	f.calls++
	return f.err
}

type fakeLast struct {
	rec presence.Record
	at  time.Time
}

func (f fakeLast) Last() (presence.Record, time.Time, bool) { return f.rec, f.at, !f.at.IsZero() }

type fakeRelay bool

func (f fakeRelay) Connected() bool { return bool(f) }

func newTestServer(lc *fakeLifecycle) *Server {
	return New(&Config{
		Lifecycle: lc,
		Last:      fakeLast{rec: presence.Record{Availability: "Busy", Activity: "InACall"}, at: time.Unix(1700000000, 0).UTC()},
		Relay:     fakeRelay(true),
	})
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		wantStatus int
	}{
		{name: "GET request succeeds", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "POST request fails", method: http.MethodPost, wantStatus: http.StatusMethodNotAllowed},
	}

	h := newTestServer(&fakeLifecycle{}).Handler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, "/health", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	lc := &fakeLifecycle{status: subscription.Status{
		State: "active",
		Subscription: presence.Subscription{
			ID:          "sub-1",
			ClientState: "channel-secret",
			ExpiresAt:   time.Unix(1700003000, 0).UTC(),
		},
	}}

	w := httptest.NewRecorder()
	newTestServer(lc).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Last         *lastPresence       `json:"last_presence"`
		Subscription subscription.Status `json:"subscription"`
		Relay        bool                `json:"relay_connected"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Subscription.State != "active" || body.Subscription.Subscription.ID != "sub-1" {
		t.Errorf("subscription = %+v", body.Subscription)
	}
	if body.Subscription.Subscription.ClientState != "" {
		t.Error("client state leaked in status response")
	}
	if !body.Relay {
		t.Error("relay_connected = false")
	}
	if body.Last == nil || body.Last.Availability != "Busy" {
		t.Errorf("last_presence = %+v", body.Last)
	}
}

func TestHandleRenew(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		err        error
		wantStatus int
		wantCalls  int
	}{
		{name: "POST renews", method: http.MethodPost, wantStatus: http.StatusOK, wantCalls: 1},
		{name: "GET rejected", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
		{name: "failure reported", method: http.MethodPost, err: errors.New("fatal"), wantStatus: http.StatusInternalServerError, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := &fakeLifecycle{err: tt.err}
			w := httptest.NewRecorder()
			newTestServer(lc).Handler().ServeHTTP(w, httptest.NewRequest(tt.method, "/renewz", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if lc.calls != tt.wantCalls {
				t.Errorf("EnsureActive calls = %d, want %d", lc.calls, tt.wantCalls)
			}
		})
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := New(&Config{Lifecycle: &fakeLifecycle{}, Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

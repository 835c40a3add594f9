package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), Delay: time.Millisecond})
}

func TestCreateSendsFields(t *testing.T) {
	expiry := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/subscriptions" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		for _, k := range []string{"changeType", "resource", "notificationUrl", "lifecycleNotificationUrl",
			"includeResourceData", "expirationDateTime", "encryptionCertificate", "encryptionCertificateId", "clientState"} {
			if _, ok := body[k]; !ok {
				t.Errorf("request missing %q", k)
			}
		}
		if body["includeResourceData"] != true {
			t.Errorf("includeResourceData = %v", body["includeResourceData"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Subscription{ID: "sub-1", Resource: body["resource"].(string), ExpirationDateTime: expiry})
	}))
	defer srv.Close()

	sub, err := newTestClient(srv).Create(context.Background(), "tok", CreateRequest{
		ChangeType:               "updated",
		Resource:                 "/communications/presences/u1",
		NotificationURL:          "https://relay.example/hook",
		LifecycleNotificationURL: "https://relay.example/lifecycle",
		IncludeResourceData:      true,
		ExpirationDateTime:       expiry,
		EncryptionCertificate:    "Y2VydA==",
		EncryptionCertificateID:  "cert-1",
		ClientState:              "cs",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.ID != "sub-1" || !sub.ExpirationDateTime.Equal(expiry) {
		t.Errorf("Create = %+v", sub)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
		check     func(error) bool
	}{
		{name: "conflict", status: http.StatusConflict, wantCalls: 1, check: IsConflict},
		{name: "unauthorized", status: http.StatusUnauthorized, wantCalls: 1, check: IsUnauthorized},
		{name: "not found", status: http.StatusNotFound, wantCalls: 1, check: IsNotFound},
		{name: "server error retried", status: http.StatusServiceUnavailable, wantCalls: 3, check: func(err error) bool { return StatusCode(err) == 503 }},
		{name: "throttled retried", status: http.StatusTooManyRequests, wantCalls: 3, check: func(err error) bool { return StatusCode(err) == 429 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"code":"SomeCode","message":"nope"}}`))
			}))
			defer srv.Close()

			_, err := newTestClient(srv).Update(context.Background(), "tok", "sub-1", time.Now())
			if err == nil || !tt.check(err) {
				t.Fatalf("Update error = %v", err)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			se := err.(*StatusError)
			if se.Code != "SomeCode" || se.Message != "nope" {
				t.Errorf("StatusError = %+v", se)
			}
		})
	}
}

func TestDeleteAndTransientRecovery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/subscriptions/sub-9" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := newTestClient(srv).Delete(context.Background(), "tok", "sub-9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestListFollowsNextLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("$skiptoken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value":           []Subscription{{ID: "a"}},
				"@odata.nextLink": srv.URL + "/subscriptions?$skiptoken=2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"value": []Subscription{{ID: "b"}}})
	}))
	defer srv.Close()

	subs, err := newTestClient(srv).List(context.Background(), "tok")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 2 || subs[0].ID != "a" || subs[1].ID != "b" {
		t.Errorf("List = %+v", subs)
	}
}

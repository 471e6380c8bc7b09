package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dojotrack/internal/queue"
)

func TestNotifyPostsEvent(t *testing.T) {
	var got queue.Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	c := New(ts.URL, false)
	evt := queue.Event{CheckInID: 7, MemberID: 3, SessionID: 5, GroupID: 1, Method: "token", At: time.Now().UTC()}
	if err := c.Notify(context.Background(), evt); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.CheckInID != evt.CheckInID || got.Method != evt.Method {
		t.Fatalf("receiver saw %+v, want %+v", got, evt)
	}
}

func TestNotifyReportsReceiverError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	c := New(ts.URL, false)
	if err := c.Notify(context.Background(), queue.Event{CheckInID: 1}); err == nil {
		t.Fatal("expected error on 5xx response")
	}
}

func TestNotifySkipped(t *testing.T) {
	// No server behind the URL; skip must short-circuit before any request.
	c := New("http://127.0.0.1:1", true)
	if err := c.Notify(context.Background(), queue.Event{CheckInID: 1}); err != nil {
		t.Fatalf("skipped notify should not fail: %v", err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("skipped health should not fail: %v", err)
	}
}

func TestHealthProbe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
	}))
	defer ts.Close()

	c := New(ts.URL, false)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

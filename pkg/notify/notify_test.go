package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetmend/fleetmend/pkg/engine"
)

func TestWebhookNotifierDelivers(t *testing.T) {
	var received payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "worker-1")
	notifier.Notify(context.Background(), "server vps-01 entered recovery", engine.NotifyWarn)

	if received.Message != "server vps-01 entered recovery" {
		t.Errorf("unexpected message: %s", received.Message)
	}
	if received.Level != "warning" {
		t.Errorf("unexpected level: %s", received.Level)
	}
	if received.Source != "worker-1" {
		t.Errorf("unexpected source: %s", received.Source)
	}
}

func TestWebhookNotifierSwallowsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	// Rejected delivery and unreachable endpoint must both be silent.
	NewWebhookNotifier(server.URL, "worker-1").
		Notify(context.Background(), "msg", engine.NotifyError)

	NewWebhookNotifier("http://127.0.0.1:1", "worker-1", WithTimeout(100*time.Millisecond)).
		Notify(context.Background(), "msg", engine.NotifyError)
}

func TestWebhookNotifierEmptyURL(t *testing.T) {
	NewWebhookNotifier("", "worker-1").Notify(context.Background(), "msg", engine.NotifyInfo)
}

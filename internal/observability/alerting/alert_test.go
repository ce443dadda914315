package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "enclaverun/internal/errors"
)

type recordingNotifier struct {
	mu      sync.Mutex
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	logN := &recordingNotifier{channel: ChannelLog}
	hookN := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	dispatcher := NewFanout(logN, nil, hookN)

	err := dispatcher.Notify(context.Background(), Event{Code: "RUN_PROCESSING_FAILED", RunID: "r1"})
	if err == nil || !strings.Contains(err.Error(), "channel webhook: down") {
		t.Fatalf("expected webhook error, got %v", err)
	}
	if len(logN.events) != 1 || len(hookN.events) != 1 {
		t.Fatalf("event not fanned out: %d/%d", len(logN.events), len(hookN.events))
	}
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	event := Event{
		Code:       xerrors.CodeExecutionFailed,
		Severity:   xerrors.SeverityWarning,
		RunID:      "r1",
		Enclave:    "test",
		Attempts:   1,
		MaxRetries: 3,
		OccurredAt: time.Now(),
	}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.RunID != "r1" || got.Enclave != "test" || got.Code != xerrors.CodeExecutionFailed {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookNotifierSlackFormat(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Format: "slack"}
	event := Event{Code: "RUN_RETRIES_EXHAUSTED", Severity: xerrors.SeverityCritical, RunID: "r9", Message: "boom",
		Metadata: map[string]string{"stage": "terminal"}}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(body["text"], "运行 r9") || !strings.Contains(body["text"], "stage=terminal") {
		t.Fatalf("unexpected slack text %q", body["text"])
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), Event{RunID: "r1"}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

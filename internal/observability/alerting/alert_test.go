package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "NUMA-Market/internal/errors"
)

type recordingEmail struct {
	subject string
	content string
}

func (r *recordingEmail) Send(_ context.Context, subject, content string, _ []string) error {
	r.subject = subject
	r.content = content
	return nil
}

type failingSlack struct{}

func (failingSlack) Send(context.Context, string, string) error { return errors.New("slack down") }

func TestFanoutDeliversAndJoinsErrors(t *testing.T) {
	email := &recordingEmail{}
	dispatcher := NewFanout(
		&EmailNotifier{Sender: email, To: []string{"ops@example.com"}, SubjectPrefix: "[numa]"},
		&SlackNotifier{Sender: failingSlack{}, ChannelID: "C1"},
		nil,
	)

	event := NewEvent("settlement/s-1", xerrors.New(xerrors.CodeExecutionFailed, "provider returned 500"))
	event.ProviderID = "prov-1"
	event.Metadata = map[string]string{"stage": "call", "agent": "a-1"}

	err := dispatcher.Notify(context.Background(), event)
	if err == nil || !strings.Contains(err.Error(), "slack down") {
		t.Fatalf("expected slack failure to surface, got %v", err)
	}
	if email.subject != "[numa][warning] EXECUTION_FAILED" {
		t.Fatalf("unexpected subject %q", email.subject)
	}
	if !strings.Contains(email.content, "Provider: prov-1") || !strings.Contains(email.content, "- agent: a-1\n- stage: call") {
		t.Fatalf("unexpected content %q", email.content)
	}
}

func TestUnconfiguredNotifiersAreSkipped(t *testing.T) {
	dispatcher := NewFanout(&DingTalkNotifier{}, &EmailNotifier{}, &LogNotifier{})
	if err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeRecordFailure}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestWebhookSenderFormats(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if len(bodies) == 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL)
	if err := sender.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("dingtalk send: %v", err)
	}
	if err := sender.SlackSender().Send(context.Background(), "C1", "hi"); err != nil {
		t.Fatalf("slack send: %v", err)
	}
	if err := sender.Send(context.Background(), "again"); err == nil {
		t.Fatal("expected non-2xx status to fail")
	}

	if bodies[0]["msgtype"] != "text" || bodies[0]["text"].(map[string]any)["content"] != "hello" {
		t.Fatalf("unexpected dingtalk payload: %v", bodies[0])
	}
	if bodies[1]["channel"] != "C1" || bodies[1]["text"] != "hi" {
		t.Fatalf("unexpected slack payload: %v", bodies[1])
	}
}

package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSlackMessage_Build(t *testing.T) {
	msg := SlackMessage{
		Text: "Training complete",
		Attachments: []SlackAttachment{
			{
				Color: "good",
				Title: "run 9b2f",
				Text:  "Model my-model is ready",
			},
		},
	}

	payload, err := msg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}

	if len(payload) == 0 {
		t.Error("Payload should not be empty")
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(RunCompleted("9b2f", "my-model"))

	if err != nil {
		t.Errorf("Send failed: %v", err)
	}

	var msg SlackMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if msg.Text != "Training complete" {
		t.Errorf("Text = %q, want %q", msg.Text, "Training complete")
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Title != "run 9b2f" {
		t.Errorf("Attachments = %+v, want run title", msg.Attachments)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	if err := notifier.Send(RunFailed("9b2f", "training exited with code 1")); err == nil {
		t.Error("Send should fail on non-200 response")
	}
}

func TestSlackNotifier_DisabledWithoutURL(t *testing.T) {
	notifier := NewSlackNotifier("")
	if err := notifier.Send(RunStopped("9b2f")); err != nil {
		t.Errorf("Send with empty webhook = %v, want nil", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestRunNotificationBuilders(t *testing.T) {
	done := RunCompleted("9b2f", "my-model")
	if done.Type != NotifySuccess || done.ModelName != "my-model" {
		t.Errorf("RunCompleted = %+v", done)
	}

	failed := RunFailed("9b2f", "")
	if failed.Type != NotifyError || failed.Message != "Training run failed" {
		t.Errorf("RunFailed default = %+v", failed)
	}
	failed = RunFailed("9b2f", "training exited with code 1")
	if failed.Message != "training exited with code 1" {
		t.Errorf("RunFailed reason = %+v", failed)
	}

	stopped := RunStopped("9b2f")
	if stopped.Type != NotifyWarning || stopped.RunID != "9b2f" {
		t.Errorf("RunStopped = %+v", stopped)
	}
}

func TestScriptQuoting(t *testing.T) {
	reason := `exit 1: unexpected "EOF" in C:\work\run.py, user's dataset`

	if got := appleQuote(reason); strings.Contains(got, `"EOF"`) || !strings.Contains(got, `\"EOF\"`) {
		t.Errorf("appleQuote left quotes unescaped: %s", got)
	}
	if got := appleQuote(reason); !strings.Contains(got, `C:\\work`) {
		t.Errorf("appleQuote left backslashes unescaped: %s", got)
	}
	if got := psQuote(reason); !strings.Contains(got, "user''s") {
		t.Errorf("psQuote left single quotes unescaped: %s", got)
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return nil
}

package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/preflight"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainer"
)

type fakeClient struct {
	env       trainenv.Status
	pull      trainenv.PullProgress
	training  trainer.Status
	resources preflight.Resources
	logs      []domain.LogEntry

	envStarts int
	stopCalls int
	startErr  error
	stopErr   error
}

func (f *fakeClient) EnvironmentStatus(ctx context.Context) trainenv.Status { return f.env }
func (f *fakeClient) PullProgress() trainenv.PullProgress                   { return f.pull }
func (f *fakeClient) StartEnvironment(ctx context.Context) error {
	f.envStarts++
	return f.startErr
}
func (f *fakeClient) TrainingStatus() trainer.Status { return f.training }
func (f *fakeClient) StopTraining() error {
	f.stopCalls++
	return f.stopErr
}
func (f *fakeClient) DrainLogs() []domain.LogEntry {
	logs := f.logs
	f.logs = nil
	return logs
}
func (f *fakeClient) Resources(ctx context.Context) preflight.Resources { return f.resources }

func keyMsg(key string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
}

func TestModel_QuitKey(t *testing.T) {
	model := NewModel(&fakeClient{})

	_, cmd := model.Update(keyMsg("q"))
	if cmd == nil {
		t.Fatal("q produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("q command = %T, want tea.QuitMsg", cmd())
	}
}

func TestModel_SnapshotUpdatesState(t *testing.T) {
	model := NewModel(&fakeClient{})

	snap := SnapshotMsg{
		Env:      trainenv.Status{State: domain.EnvRunning, Message: "Environment running"},
		Training: trainer.Status{Running: true, RunID: "run-1", CurrentStep: 5, TotalSteps: 100},
		Logs: []domain.LogEntry{
			{Timestamp: time.Now(), Message: "Step 5/100"},
		},
	}
	newModel, _ := model.Update(snap)
	model = newModel.(Model)

	if model.env.State != domain.EnvRunning {
		t.Errorf("env state = %s, want running", model.env.State)
	}
	if model.training.RunID != "run-1" {
		t.Errorf("training run = %q, want run-1", model.training.RunID)
	}
	if len(model.logs) != 1 {
		t.Errorf("logs = %d entries, want 1", len(model.logs))
	}
	if model.lastRefresh.IsZero() {
		t.Error("lastRefresh not set")
	}
}

func TestModel_LogRingBounded(t *testing.T) {
	model := NewModel(&fakeClient{})

	var entries []domain.LogEntry
	for i := 0; i < logBuffer+50; i++ {
		entries = append(entries, domain.LogEntry{Message: fmt.Sprintf("line %d", i)})
	}
	newModel, _ := model.Update(SnapshotMsg{Logs: entries})
	model = newModel.(Model)

	if len(model.logs) != logBuffer {
		t.Fatalf("logs = %d entries, want %d", len(model.logs), logBuffer)
	}
	last := model.logs[len(model.logs)-1].Message
	if last != fmt.Sprintf("line %d", logBuffer+49) {
		t.Errorf("last line = %q", last)
	}
}

func TestModel_StartEnvironmentKey(t *testing.T) {
	client := &fakeClient{}
	model := NewModel(client)
	model.env = trainenv.Status{State: domain.EnvStopped}

	newModel, cmd := model.Update(keyMsg("s"))
	model = newModel.(Model)
	if cmd == nil {
		t.Fatal("s produced no command")
	}

	msg := cmd()
	action, ok := msg.(ActionMsg)
	if !ok {
		t.Fatalf("command result = %T, want ActionMsg", msg)
	}
	if action.Err != nil {
		t.Errorf("action error = %v", action.Err)
	}
	if client.envStarts != 1 {
		t.Errorf("envStarts = %d, want 1", client.envStarts)
	}
}

func TestModel_StartEnvironmentGuarded(t *testing.T) {
	client := &fakeClient{}
	model := NewModel(client)
	model.env = trainenv.Status{State: domain.EnvRunning}

	newModel, cmd := model.Update(keyMsg("s"))
	model = newModel.(Model)

	if cmd != nil {
		t.Error("start while running must not issue a command")
	}
	if !strings.Contains(model.statusMsg, "already") {
		t.Errorf("statusMsg = %q", model.statusMsg)
	}
	if client.envStarts != 0 {
		t.Errorf("envStarts = %d, want 0", client.envStarts)
	}
}

func TestModel_StopTrainingKey(t *testing.T) {
	client := &fakeClient{}
	model := NewModel(client)
	model.training = trainer.Status{Running: true, RunID: "run-1"}

	_, cmd := model.Update(keyMsg("t"))
	if cmd == nil {
		t.Fatal("t produced no command")
	}
	cmd()
	if client.stopCalls != 1 {
		t.Errorf("stopCalls = %d, want 1", client.stopCalls)
	}
}

func TestModel_StopTrainingGuarded(t *testing.T) {
	client := &fakeClient{}
	model := NewModel(client)

	newModel, cmd := model.Update(keyMsg("t"))
	model = newModel.(Model)

	if cmd != nil {
		t.Error("stop without a job must not issue a command")
	}
	if model.statusMsg != "No training job running" {
		t.Errorf("statusMsg = %q", model.statusMsg)
	}
	if client.stopCalls != 0 {
		t.Errorf("stopCalls = %d, want 0", client.stopCalls)
	}
}

func TestModel_ActionErrorFlash(t *testing.T) {
	model := NewModel(&fakeClient{})

	newModel, cmd := model.Update(ActionMsg{Verb: "start environment", Err: errors.New("docker daemon is not available")})
	model = newModel.(Model)

	if !strings.HasPrefix(model.statusMsg, "Error:") {
		t.Errorf("statusMsg = %q, want Error prefix", model.statusMsg)
	}
	if cmd == nil {
		t.Error("action result should trigger a refresh")
	}
}

func TestModel_TickSchedulesRefresh(t *testing.T) {
	model := NewModel(&fakeClient{})

	_, cmd := model.Update(TickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("tick produced no command")
	}
}

func TestView_RendersSections(t *testing.T) {
	loss := 1.2345
	model := NewModel(&fakeClient{})
	model.width = 100
	model.height = 40
	model.env = trainenv.Status{State: domain.EnvRunning, Message: "Environment running", GPU: true}
	model.training = trainer.Status{
		Running:     true,
		RunID:       "run-1",
		CurrentStep: 5,
		TotalSteps:  100,
		Progress:    0.52,
		Loss:        &loss,
		Message:     "Training: step 5/100",
		StartedAt:   time.Now().Add(-90 * time.Second),
	}
	model.logs = []domain.LogEntry{
		{Timestamp: time.Date(2025, 6, 1, 14, 2, 5, 0, time.UTC), Message: "Step 5/100 loss 1.2345"},
	}

	view := model.View()

	for _, want := range []string{"Tune Orchestrator", "ENVIRONMENT", "TRAINING", "RECENT OUTPUT", "Step 5/100", "loss 1.2345", "14:02:05"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestView_EmptyState(t *testing.T) {
	model := NewModel(&fakeClient{})
	model.width = 80
	model.height = 24

	view := model.View()

	if !strings.Contains(view, "No training job running") {
		t.Error("view missing idle training message")
	}
	if !strings.Contains(view, "No output yet") {
		t.Error("view missing empty log message")
	}
}

func TestView_PullProgressShown(t *testing.T) {
	model := NewModel(&fakeClient{})
	model.width = 100
	model.height = 40
	model.env = trainenv.Status{State: domain.EnvCreating, Message: "Pulling image"}
	model.pull = trainenv.PullProgress{
		Status:          domain.PullPulling,
		Percent:         40,
		TotalLayers:     10,
		CompletedLayers: 4,
	}

	view := model.View()

	if !strings.Contains(view, "Pulling image") {
		t.Error("view missing pull line")
	}
	if !strings.Contains(view, "(4/10 layers)") {
		t.Error("view missing layer counts")
	}
}

func TestProgressBar(t *testing.T) {
	bar := progressBar(0.5, 10)
	if got := strings.Count(bar, "█"); got != 5 {
		t.Errorf("filled cells = %d, want 5", got)
	}
	if got := strings.Count(bar, "░"); got != 5 {
		t.Errorf("empty cells = %d, want 5", got)
	}

	full := progressBar(1.5, 10)
	if got := strings.Count(full, "█"); got != 10 {
		t.Errorf("clamped filled cells = %d, want 10", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h05m"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 20); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a very long line of trainer output", 10); got != "a very ..." {
		t.Errorf("truncate(long) = %q", got)
	}
}

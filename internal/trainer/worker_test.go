package trainer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

func TestFindCheckpoint(t *testing.T) {
	m, _, _ := newTestTrainer(t)
	out := filepath.Join(m.workDir, "models", "my-model")
	for _, d := range []string{"checkpoint-100", "checkpoint-250", "checkpoint-9", "other"} {
		if err := os.MkdirAll(filepath.Join(out, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// A plain file never counts as a checkpoint.
	if err := os.WriteFile(filepath.Join(out, "checkpoint-999"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := m.findCheckpoint("/workspace/work/models/my-model")
	if want := "/workspace/work/models/my-model/checkpoint-250"; got != want {
		t.Errorf("findCheckpoint = %q, want %q", got, want)
	}
}

func TestFindCheckpoint_NothingToResume(t *testing.T) {
	m, _, _ := newTestTrainer(t)

	if got := m.findCheckpoint("/workspace/work/models/absent"); got != "" {
		t.Errorf("missing dir: got %q", got)
	}

	empty := filepath.Join(m.workDir, "models", "fresh")
	if err := os.MkdirAll(empty, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := m.findCheckpoint("/workspace/work/models/fresh"); got != "" {
		t.Errorf("empty dir: got %q", got)
	}

	if got := m.findCheckpoint("/elsewhere/models/x"); got != "" {
		t.Errorf("outside workspace: got %q", got)
	}
}

func TestHostPath(t *testing.T) {
	m, _, _ := newTestTrainer(t)

	tests := []struct {
		in     string
		want   string
		mapped bool
	}{
		{"/workspace/work", m.workDir, true},
		{"/workspace/work/models/a", filepath.Join(m.workDir, "models", "a"), true},
		{"/workspace/workother", "", false},
		{"/data/models", "", false},
	}
	for _, tt := range tests {
		got, ok := m.hostPath(tt.in)
		if ok != tt.mapped {
			t.Errorf("hostPath(%q) ok = %v, want %v", tt.in, ok, tt.mapped)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("hostPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDrainLogs_Destructive(t *testing.T) {
	m, _, _ := newTestTrainer(t)
	j := &job{runID: "run-1", startedAt: time.Now()}
	m.mu.Lock()
	m.job = j
	m.mu.Unlock()

	m.handleLine(j, "hello")
	m.handleLine(j, "loss: 0.5")

	logs := m.DrainLogs()
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	if logs[0].Message != "hello" || logs[1].Message != "loss: 0.5" {
		t.Errorf("logs = %v", logs)
	}
	if logs[0].Timestamp.IsZero() {
		t.Error("log entry has no timestamp")
	}

	if again := m.DrainLogs(); len(again) != 0 {
		t.Errorf("second drain = %d entries, want 0", len(again))
	}
}

func TestDrainLogs_NoJob(t *testing.T) {
	m, _, _ := newTestTrainer(t)
	if logs := m.DrainLogs(); logs != nil {
		t.Errorf("logs = %v, want nil", logs)
	}
}

func TestCallbacks(t *testing.T) {
	m, _, _ := newTestTrainer(t)
	j := &job{runID: "run-1", startedAt: time.Now()}
	m.mu.Lock()
	m.job = j
	m.mu.Unlock()

	var gotLogs []string
	var gotStatus []Status
	m.SetLogCallback(func(e domain.LogEntry) {
		gotLogs = append(gotLogs, e.Message)
		// Callbacks run outside internal locks, so calling back into the
		// manager must not deadlock.
		_ = m.Status()
	})
	m.SetStatusCallback(func(s Status) {
		gotStatus = append(gotStatus, s)
	})

	m.handleLine(j, "Loading model...")
	if len(gotLogs) != 1 || len(gotStatus) != 1 {
		t.Fatalf("callbacks fired %d/%d times, want 1/1", len(gotLogs), len(gotStatus))
	}
	if gotStatus[0].Progress != 0.10 || gotStatus[0].Message != "Loading model..." {
		t.Errorf("status = %+v", gotStatus[0])
	}
	if !gotStatus[0].Running || gotStatus[0].RunID != "run-1" {
		t.Errorf("status identity = %+v", gotStatus[0])
	}

	// A line with no status signal only reaches the log callback.
	m.handleLine(j, "some plain output")
	if len(gotLogs) != 2 {
		t.Errorf("log callback fired %d times, want 2", len(gotLogs))
	}
	if len(gotStatus) != 1 {
		t.Errorf("status callback fired %d times, want 1", len(gotStatus))
	}
}

func TestStatusSnapshotIsolated(t *testing.T) {
	m, _, _ := newTestTrainer(t)
	j := &job{runID: "run-1", startedAt: time.Now()}
	m.mu.Lock()
	m.job = j
	m.mu.Unlock()

	m.handleLine(j, "Step 10/100 - loss: 1.5000")

	st := m.Status()
	if st.Loss == nil {
		t.Fatal("Loss not set")
	}
	*st.Loss = 99

	if again := m.Status(); *again.Loss != 1.5 {
		t.Errorf("internal loss mutated through snapshot: %v", *again.Loss)
	}
}

package maintenance

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/tune-orchestrator/internal/config"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 3 * * *", false},    // 3 AM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestRegister_Validation(t *testing.T) {
	s := NewScheduler(discardLogger())

	noop := func(context.Context) error { return nil }

	if err := s.Register(Job{Name: "", Cron: "0 3 * * *", Run: noop}); err == nil {
		t.Error("empty name should be rejected")
	}
	if err := s.Register(Job{Name: "x", Cron: "0 3 * * *"}); err == nil {
		t.Error("missing run function should be rejected")
	}
	if err := s.Register(Job{Name: "x", Cron: "not a cron", Run: noop}); err == nil {
		t.Error("invalid cron should be rejected")
	}
	if err := s.Register(Job{Name: "x", Cron: "0 3 * * *", Run: noop}); err != nil {
		t.Errorf("valid job rejected: %v", err)
	}
}

func TestScheduler_NextRun(t *testing.T) {
	s := NewScheduler(discardLogger())

	err := s.Register(Job{Name: "prune", Cron: "0 22 * * *", Run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatal(err)
	}

	next := s.NextRun("prune")
	if next.IsZero() {
		t.Error("NextRun should return a time")
	}
	if !next.After(time.Now()) {
		t.Error("NextRun should be in the future")
	}
	if !s.NextRun("unknown").IsZero() {
		t.Error("NextRun for unknown job should be zero")
	}
}

func TestScheduler_FirstTickRuns(t *testing.T) {
	s := NewScheduler(discardLogger())

	calls := 0
	err := s.Register(Job{Name: "prune", Cron: "* * * * *", Run: func(context.Context) error {
		calls++
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	s.RunDue(context.Background(), now)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 on first tick", calls)
	}

	// Same tick again: the job just ran, so it is not due.
	s.RunDue(context.Background(), now)
	if calls != 1 {
		t.Errorf("calls = %d, want still 1", calls)
	}
}

func TestScheduler_RunsAgainAfterInterval(t *testing.T) {
	s := NewScheduler(discardLogger())

	calls := 0
	err := s.Register(Job{Name: "prune", Cron: "* * * * *", Run: func(context.Context) error {
		calls++
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	s.RunDue(context.Background(), now)
	s.RunDue(context.Background(), now.Add(2*time.Minute))

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestScheduler_SkipsInFlight(t *testing.T) {
	s := NewScheduler(discardLogger())

	calls := 0
	err := s.Register(Job{Name: "prune", Cron: "* * * * *", Run: func(context.Context) error {
		calls++
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	s.running["prune"] = true
	s.mu.Unlock()

	s.RunDue(context.Background(), time.Now())
	if calls != 0 {
		t.Errorf("calls = %d, want 0 while in flight", calls)
	}
}

func TestScheduler_FailedJobStillRecorded(t *testing.T) {
	s := NewScheduler(discardLogger())

	calls := 0
	err := s.Register(Job{Name: "prune", Cron: "* * * * *", Run: func(context.Context) error {
		calls++
		return errors.New("disk on fire")
	}})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	s.RunDue(context.Background(), now)
	s.RunDue(context.Background(), now)

	if calls != 1 {
		t.Errorf("calls = %d, want 1; failures count as a run", calls)
	}
}

func writeSized(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPruneCheckpoints(t *testing.T) {
	modelsDir := t.TempDir()
	model := filepath.Join(modelsDir, "my-model")

	writeSized(t, filepath.Join(model, "checkpoint-100", "weights.bin"), 100)
	writeSized(t, filepath.Join(model, "checkpoint-200", "weights.bin"), 100)
	writeSized(t, filepath.Join(model, "checkpoint-300", "weights.bin"), 100)
	writeSized(t, filepath.Join(model, "adapter_config.json"), 10)
	writeSized(t, filepath.Join(modelsDir, "stray.txt"), 10)

	res, err := PruneCheckpoints(modelsDir, 2)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}

	if res.Removed != 1 {
		t.Errorf("Removed = %d, want 1", res.Removed)
	}
	if res.Bytes != 100 {
		t.Errorf("Bytes = %d, want 100", res.Bytes)
	}
	if _, err := os.Stat(filepath.Join(model, "checkpoint-100")); !os.IsNotExist(err) {
		t.Error("checkpoint-100 should be gone")
	}
	for _, keep := range []string{"checkpoint-200", "checkpoint-300", "adapter_config.json"} {
		if _, err := os.Stat(filepath.Join(model, keep)); err != nil {
			t.Errorf("%s should survive: %v", keep, err)
		}
	}
}

func TestPruneCheckpoints_FewerThanKeep(t *testing.T) {
	modelsDir := t.TempDir()
	writeSized(t, filepath.Join(modelsDir, "m", "checkpoint-100", "w.bin"), 50)
	writeSized(t, filepath.Join(modelsDir, "m", "checkpoint-200", "w.bin"), 50)

	res, err := PruneCheckpoints(modelsDir, 2)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("Removed = %d, want 0", res.Removed)
	}
}

func TestPruneCheckpoints_ClampsKeep(t *testing.T) {
	modelsDir := t.TempDir()
	writeSized(t, filepath.Join(modelsDir, "m", "checkpoint-100", "w.bin"), 50)
	writeSized(t, filepath.Join(modelsDir, "m", "checkpoint-200", "w.bin"), 50)

	res, err := PruneCheckpoints(modelsDir, 0)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("Removed = %d, want 1; keep 0 clamps to 1", res.Removed)
	}
	if _, err := os.Stat(filepath.Join(modelsDir, "m", "checkpoint-200")); err != nil {
		t.Error("highest checkpoint should survive a keep of 0")
	}
}

func TestPruneCheckpoints_MissingDir(t *testing.T) {
	res, err := PruneCheckpoints(filepath.Join(t.TempDir(), "nope"), 2)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}
	if res.Removed != 0 || res.Bytes != 0 {
		t.Errorf("res = %+v, want zero", res)
	}
}

func TestPruneCheckpoints_IgnoresNonNumericSuffix(t *testing.T) {
	modelsDir := t.TempDir()
	writeSized(t, filepath.Join(modelsDir, "m", "checkpoint-final", "w.bin"), 50)
	writeSized(t, filepath.Join(modelsDir, "m", "checkpoint-100", "w.bin"), 50)

	res, err := PruneCheckpoints(modelsDir, 1)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("Removed = %d, want 0", res.Removed)
	}
	if _, err := os.Stat(filepath.Join(modelsDir, "m", "checkpoint-final")); err != nil {
		t.Error("non-numeric checkpoint dir should never be pruned")
	}
}

func TestCleanWorkFiles(t *testing.T) {
	workDir := t.TempDir()

	old := time.Now().Add(-30 * 24 * time.Hour)
	writeSized(t, filepath.Join(workDir, "train_old.py"), 20)
	writeSized(t, filepath.Join(workDir, "train_new.py"), 20)
	writeSized(t, filepath.Join(workDir, "config", "old.json"), 30)
	writeSized(t, filepath.Join(workDir, "config", "new.json"), 30)
	writeSized(t, filepath.Join(workDir, "logs", "train_old.log"), 10)
	writeSized(t, filepath.Join(workDir, "logs", "train_new.log"), 10)
	writeSized(t, filepath.Join(workDir, "notes_old.txt"), 40)
	for _, stale := range []string{"train_old.py", "config/old.json", "logs/train_old.log", "notes_old.txt"} {
		if err := os.Chtimes(filepath.Join(workDir, stale), old, old); err != nil {
			t.Fatal(err)
		}
	}

	res, err := CleanWorkFiles(workDir, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanWorkFiles: %v", err)
	}

	if res.Removed != 3 {
		t.Errorf("Removed = %d, want 3", res.Removed)
	}
	if res.Bytes != 60 {
		t.Errorf("Bytes = %d, want 60", res.Bytes)
	}
	for _, gone := range []string{"train_old.py", "config/old.json", "logs/train_old.log"} {
		if _, err := os.Stat(filepath.Join(workDir, gone)); !os.IsNotExist(err) {
			t.Errorf("%s should be gone", gone)
		}
	}
	for _, keep := range []string{"train_new.py", "config/new.json", "logs/train_new.log", "notes_old.txt"} {
		if _, err := os.Stat(filepath.Join(workDir, keep)); err != nil {
			t.Errorf("%s should survive: %v", keep, err)
		}
	}
}

func TestJobs(t *testing.T) {
	cfg := config.MaintenanceConfig{
		PruneCron:         "0 3 * * *",
		KeepCheckpoints:   2,
		WorkRetentionDays: 14,
	}

	jobs := Jobs(cfg, t.TempDir(), t.TempDir(), discardLogger())

	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].Name != "prune-checkpoints" || jobs[1].Name != "clean-work-files" {
		t.Errorf("job names = %q, %q", jobs[0].Name, jobs[1].Name)
	}

	s := NewScheduler(discardLogger())
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			t.Errorf("Register(%s): %v", job.Name, err)
		}
		if err := job.Run(context.Background()); err != nil {
			t.Errorf("Run(%s): %v", job.Name, err)
		}
	}
}

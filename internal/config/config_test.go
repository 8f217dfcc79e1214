package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Environment.Image != "unsloth/unsloth" {
		t.Errorf("Environment.Image = %q, want unsloth/unsloth", cfg.Environment.Image)
	}
	if cfg.Environment.StopTimeoutSeconds != 10 {
		t.Errorf("StopTimeoutSeconds = %d, want 10", cfg.Environment.StopTimeoutSeconds)
	}
	if !cfg.Environment.GPU {
		t.Error("Environment.GPU should default to true")
	}
	if cfg.Training.BatchSize != 2 {
		t.Errorf("Training.BatchSize = %d, want 2", cfg.Training.BatchSize)
	}
	if cfg.Training.SaveTotalLimit != 2 {
		t.Errorf("Training.SaveTotalLimit = %d, want 2", cfg.Training.SaveTotalLimit)
	}
	if cfg.Web.Port != 8000 {
		t.Errorf("Web.Port = %d, want 8000", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if cfg.Maintenance.KeepCheckpoints != 2 {
		t.Errorf("Maintenance.KeepCheckpoints = %d, want 2", cfg.Maintenance.KeepCheckpoints)
	}
	// The container reaches datasets and models through the work dir mount.
	if cfg.General.DatasetsDir != filepath.Join(cfg.General.WorkDir, "datasets") {
		t.Errorf("DatasetsDir = %q, want it under the work dir", cfg.General.DatasetsDir)
	}
	if cfg.General.ModelsDir != filepath.Join(cfg.General.WorkDir, "models") {
		t.Errorf("ModelsDir = %q, want it under the work dir", cfg.General.ModelsDir)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
data_dir = "/srv/tune"
database_path = "/srv/tune/tune.db"

[environment]
image = "unsloth/unsloth:latest"
container_name = "my-env"
gpu = false

[web]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DataDir != "/srv/tune" {
		t.Errorf("DataDir = %q, want /srv/tune", cfg.General.DataDir)
	}
	if cfg.Environment.ContainerName != "my-env" {
		t.Errorf("ContainerName = %q, want my-env", cfg.Environment.ContainerName)
	}
	if cfg.Environment.GPU {
		t.Error("GPU should be false when the file disables it")
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Training.MaxSeqLength != 2048 {
		t.Errorf("Training.MaxSeqLength = %d, want 2048", cfg.Training.MaxSeqLength)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load on missing file should fall back to defaults, got %v", err)
	}
	if cfg.Environment.Image != "unsloth/unsloth" {
		t.Errorf("Image = %q, want default", cfg.Environment.Image)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.General.DataDir = dir
	cfg.General.DatasetsDir = filepath.Join(dir, "datasets")
	cfg.General.ModelsDir = filepath.Join(dir, "models")
	cfg.General.WorkDir = filepath.Join(dir, "work")

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	for _, d := range []string{"datasets", "models", "work", "work/config"} {
		if _, err := os.Stat(filepath.Join(dir, d)); err != nil {
			t.Errorf("expected %s to exist: %v", d, err)
		}
	}
}

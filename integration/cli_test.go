//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	// Look for the binary in common locations
	paths := []string{
		"../tune-orch",
		"./tune-orch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "tune-orch"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	// Try to build it
	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../tune-orch", "../cmd/tune-orch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../tune-orch")
	return abs
}

// createTestConfig creates a temporary config file pointing every path at
// a temp directory, so tests never touch the real data dir.
func createTestConfig(t *testing.T, port int) string {
	t.Helper()
	dataDir := t.TempDir()
	configPath := TempConfigPath(t)

	config := `[general]
data_dir = "` + dataDir + `"
database_path = "` + filepath.Join(dataDir, "orchestrator.db") + `"
datasets_dir = "` + filepath.Join(dataDir, "work", "datasets") + `"
models_dir = "` + filepath.Join(dataDir, "work", "models") + `"
work_dir = "` + filepath.Join(dataDir, "work") + `"

[environment]
container_name = "tune-orch-integration-test"

[notifications]
desktop = false

[web]
port = ` + fmt.Sprint(port) + `
host = "127.0.0.1"
`

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	return configPath
}

// TestCLI_DatasetsImportAndList imports a dataset and checks it shows up in
// the registry listing.
func TestCLI_DatasetsImportAndList(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, FreePort(t))
	datasetPath := WriteSampleDataset(t, t.TempDir(), "faq.jsonl", 25)

	cmd := exec.Command(binary, "datasets", "import", datasetPath, "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("import command failed: %v\n%s", err, out)
	}

	output := string(out)
	if !strings.Contains(output, "Imported") {
		t.Errorf("Expected 'Imported' in output, got: %s", output)
	}
	if !strings.Contains(output, "Dataset is valid") {
		t.Errorf("Expected 'Dataset is valid' in output, got: %s", output)
	}

	cmd = exec.Command(binary, "datasets", "list", "--config", configPath)
	out, err = cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("list command failed: %v\n%s", err, out)
	}

	output = string(out)
	if !strings.Contains(output, "faq.jsonl") {
		t.Errorf("Expected faq.jsonl in output, got: %s", output)
	}
	if !strings.Contains(output, "25") {
		t.Errorf("Expected row count 25 in output, got: %s", output)
	}
	if !strings.Contains(output, "import") {
		t.Errorf("Expected source 'import' in output, got: %s", output)
	}
}

// TestCLI_DatasetsValidate_Invalid checks a malformed file fails validation
// with a nonzero exit.
func TestCLI_DatasetsValidate_Invalid(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, FreePort(t))

	path := filepath.Join(t.TempDir(), "broken.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n{also not json\n"), 0644); err != nil {
		t.Fatalf("Failed to write dataset: %v", err)
	}

	cmd := exec.Command(binary, "datasets", "validate", path, "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("Expected validate to fail, got output: %s", out)
	}

	if !strings.Contains(string(out), "error:") {
		t.Errorf("Expected validation errors in output, got: %s", out)
	}
}

// TestCLI_RunsList_Empty checks the runs listing on a fresh database.
func TestCLI_RunsList_Empty(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, FreePort(t))

	cmd := exec.Command(binary, "runs", "list", "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("runs list failed: %v\n%s", err, out)
	}

	if !strings.Contains(string(out), "No training runs recorded") {
		t.Errorf("Expected empty-state message, got: %s", out)
	}
}

// TestCLI_Check runs the resource check against the host.
func TestCLI_Check(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, FreePort(t))

	cmd := exec.Command(binary, "check", "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("check failed: %v\n%s", err, out)
	}

	output := string(out)
	for _, want := range []string{"CPU:", "RAM:", "Disk:"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
}

// TestCLI_ScriptsList lists the built-in training script.
func TestCLI_ScriptsList(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, FreePort(t))

	cmd := exec.Command(binary, "scripts", "list", "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("scripts list failed: %v\n%s", err, out)
	}

	output := string(out)
	if !strings.Contains(output, "train") {
		t.Errorf("Expected built-in 'train' script in output, got: %s", output)
	}
	if !strings.Contains(output, "LoRA Fine-Tune") {
		t.Errorf("Expected script name in output, got: %s", output)
	}
}

// TestCLI_TrainStatus_NoServer falls back to the run history when no server
// is listening.
func TestCLI_TrainStatus_NoServer(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, FreePort(t))

	cmd := exec.Command(binary, "train", "status", "--config", configPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("train status failed: %v\n%s", err, out)
	}

	if !strings.Contains(string(out), "No training runs recorded") {
		t.Errorf("Expected empty-state message, got: %s", out)
	}
}

// TestCLI_Version prints the version string.
func TestCLI_Version(t *testing.T) {
	binary := binaryPath(t)

	cmd := exec.Command(binary, "version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("version failed: %v\n%s", err, out)
	}

	if !strings.Contains(string(out), "tune-orch") {
		t.Errorf("Expected version output, got: %s", out)
	}
}

// TestCLI_InvalidCommand tests error handling for invalid commands
func TestCLI_InvalidCommand(t *testing.T) {
	binary := binaryPath(t)

	cmd := exec.Command(binary, "invalidcommand")
	out, err := cmd.CombinedOutput()

	// Should return error
	if err == nil {
		t.Error("Expected error for invalid command")
	}

	output := string(out)
	if !strings.Contains(output, "unknown command") {
		t.Errorf("Expected unknown command error, got: %s", output)
	}
}

// TestCLI_ServeAndQuery boots the server without Docker and drives it over
// HTTP: health, training status, and the train status subcommand attaching
// to it.
func TestCLI_ServeAndQuery(t *testing.T) {
	binary := binaryPath(t)
	port := FreePort(t)
	configPath := createTestConfig(t, port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serve := exec.CommandContext(ctx, binary, "serve", "--config", configPath)
	if err := serve.Start(); err != nil {
		t.Fatalf("Failed to start serve: %v", err)
	}
	defer func() {
		cancel()
		serve.Wait()
	}()

	if err := waitForServer(base + "/api/health"); err != nil {
		t.Fatalf("Server never became healthy: %v", err)
	}

	resp, err := http.Get(base + "/api/training/status")
	if err != nil {
		t.Fatalf("training status request failed: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		Running bool   `json:"running"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Running {
		t.Error("Expected no running job on a fresh server")
	}
	if status.Message != "Ready to train" {
		t.Errorf("Message = %q, want %q", status.Message, "Ready to train")
	}

	// The CLI should attach to the running server.
	cmd := exec.Command(binary, "train", "status", "--config", configPath, "--server", base)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("train status failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "Ready to train") {
		t.Errorf("Expected 'Ready to train', got: %s", out)
	}
}

func waitForServer(url string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s", url)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Environment   EnvironmentConfig   `toml:"environment"`
	Training      TrainingConfig      `toml:"training"`
	Maintenance   MaintenanceConfig   `toml:"maintenance"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds data layout settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
	// DatasetsDir and ModelsDir must live under WorkDir; the training
	// container only sees files through the work dir bind mount.
	DatasetsDir string `toml:"datasets_dir"`
	ModelsDir   string `toml:"models_dir"`
	// WorkDir is bind-mounted into the training container.
	WorkDir string `toml:"work_dir"`
}

// EnvironmentConfig holds settings for the training container
type EnvironmentConfig struct {
	Image           string `toml:"image"`
	ContainerName   string `toml:"container_name"`
	JupyterPort     int    `toml:"jupyter_port"`
	SSHPort         int    `toml:"ssh_port"`
	JupyterPassword string `toml:"jupyter_password"`
	// WorkspacePath is where WorkDir appears inside the container.
	WorkspacePath      string `toml:"workspace_path"`
	StopTimeoutSeconds int    `toml:"stop_timeout_seconds"`
	GPU                bool   `toml:"gpu"`
}

// TrainingConfig holds default hyperparameters for new runs
type TrainingConfig struct {
	MaxSeqLength              int     `toml:"max_seq_length"`
	LearningRate              float64 `toml:"learning_rate"`
	NumEpochs                 int     `toml:"num_epochs"`
	BatchSize                 int     `toml:"batch_size"`
	GradientAccumulationSteps int     `toml:"gradient_accumulation_steps"`
	LoraR                     int     `toml:"lora_r"`
	LoraAlpha                 int     `toml:"lora_alpha"`
	SaveTotalLimit            int     `toml:"save_total_limit"`
}

// MaintenanceConfig holds janitor settings
type MaintenanceConfig struct {
	PruneCron         string `toml:"prune_cron"`
	KeepCheckpoints   int    `toml:"keep_checkpoints"`
	WorkRetentionDays int    `toml:"work_retention_days"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".tune-orchestrator")
	return &Config{
		General: GeneralConfig{
			DataDir:      dataDir,
			DatabasePath: filepath.Join(dataDir, "tune.db"),
			DatasetsDir:  filepath.Join(dataDir, "work", "datasets"),
			ModelsDir:    filepath.Join(dataDir, "work", "models"),
			WorkDir:      filepath.Join(dataDir, "work"),
		},
		Environment: EnvironmentConfig{
			Image:              "unsloth/unsloth",
			ContainerName:      "tune-orchestrator-env",
			JupyterPort:        8888,
			SSHPort:            2222,
			JupyterPassword:    "unsloth",
			WorkspacePath:      "/workspace/work",
			StopTimeoutSeconds: 10,
			GPU:                true,
		},
		Training: TrainingConfig{
			MaxSeqLength:              2048,
			LearningRate:              2e-4,
			NumEpochs:                 1,
			BatchSize:                 2,
			GradientAccumulationSteps: 4,
			LoraR:                     16,
			LoraAlpha:                 16,
			SaveTotalLimit:            2,
		},
		Maintenance: MaintenanceConfig{
			PruneCron:         "0 3 * * *",
			KeepCheckpoints:   2,
			WorkRetentionDays: 14,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8000,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.DatasetsDir = ExpandPath(cfg.General.DatasetsDir)
	cfg.General.ModelsDir = ExpandPath(cfg.General.ModelsDir)
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)

	return cfg, nil
}

// Save writes the config back to a TOML file
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// EnsureDirs creates the data directories the orchestrator writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.General.DataDir,
		c.General.DatasetsDir,
		c.General.ModelsDir,
		c.General.WorkDir,
		filepath.Join(c.General.WorkDir, "config"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tune-orchestrator", "config.toml")
}

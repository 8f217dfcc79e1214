package domain

import "testing"

func TestTrainingConfig_ApplyDefaults(t *testing.T) {
	cfg := TrainingConfig{
		BaseModel:   "unsloth/llama-3.2-1b-instruct-bnb-4bit",
		DatasetPath: "/data/train.jsonl",
		OutputDir:   "/models/my-model",
	}
	cfg.ApplyDefaults()

	if cfg.MaxSeqLength != 2048 {
		t.Errorf("MaxSeqLength = %d, want 2048", cfg.MaxSeqLength)
	}
	if cfg.LearningRate != 2e-4 {
		t.Errorf("LearningRate = %v, want 2e-4", cfg.LearningRate)
	}
	if cfg.NumEpochs != 1 {
		t.Errorf("NumEpochs = %d, want 1", cfg.NumEpochs)
	}
	if cfg.BatchSize != 2 {
		t.Errorf("BatchSize = %d, want 2", cfg.BatchSize)
	}
	if cfg.GradientAccumulationSteps != 4 {
		t.Errorf("GradientAccumulationSteps = %d, want 4", cfg.GradientAccumulationSteps)
	}
	if cfg.LoraR != 16 || cfg.LoraAlpha != 16 {
		t.Errorf("LoraR/LoraAlpha = %d/%d, want 16/16", cfg.LoraR, cfg.LoraAlpha)
	}
	if cfg.SaveTotalLimit != 2 {
		t.Errorf("SaveTotalLimit = %d, want 2", cfg.SaveTotalLimit)
	}
	if cfg.TextField != "text" {
		t.Errorf("TextField = %q, want %q", cfg.TextField, "text")
	}
}

func TestTrainingConfig_ApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := TrainingConfig{
		BaseModel:    "unsloth/mistral-7b-v0.3-bnb-4bit",
		DatasetPath:  "/data/train.jsonl",
		OutputDir:    "/models/out",
		MaxSeqLength: 4096,
		NumEpochs:    3,
		TextField:    "prompt",
	}
	cfg.ApplyDefaults()

	if cfg.MaxSeqLength != 4096 {
		t.Errorf("MaxSeqLength = %d, want 4096", cfg.MaxSeqLength)
	}
	if cfg.NumEpochs != 3 {
		t.Errorf("NumEpochs = %d, want 3", cfg.NumEpochs)
	}
	if cfg.TextField != "prompt" {
		t.Errorf("TextField = %q, want %q", cfg.TextField, "prompt")
	}
}

func TestTrainingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TrainingConfig
		wantErr bool
	}{
		{
			name: "complete",
			cfg: TrainingConfig{
				BaseModel:   "unsloth/llama-3.1-8b-bnb-4bit",
				DatasetPath: "/data/train.jsonl",
				OutputDir:   "/models/out",
			},
			wantErr: false,
		},
		{
			name:    "missing model",
			cfg:     TrainingConfig{DatasetPath: "/data/train.jsonl", OutputDir: "/models/out"},
			wantErr: true,
		},
		{
			name:    "missing dataset",
			cfg:     TrainingConfig{BaseModel: "m", OutputDir: "/models/out"},
			wantErr: true,
		},
		{
			name:    "missing output dir",
			cfg:     TrainingConfig{BaseModel: "m", DatasetPath: "/data/train.jsonl"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTrainingConfig_OutputName(t *testing.T) {
	cfg := TrainingConfig{OutputDir: "/home/user/.tune-orchestrator/models/alpaca-ft"}
	if got := cfg.OutputName(); got != "alpaca-ft" {
		t.Errorf("OutputName() = %q, want %q", got, "alpaca-ft")
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	if RunRunning.Terminal() {
		t.Error("running should not be terminal")
	}
	for _, s := range []RunStatus{RunCompleted, RunFailed, RunStopped} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

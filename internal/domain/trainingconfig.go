package domain

import (
	"fmt"
	"path/filepath"
)

// TrainingConfig is the typed configuration for one fine-tuning run.
// It is serialized as JSON for the run record and for the config file
// the training script reads inside the container; user values never
// get spliced into script text.
type TrainingConfig struct {
	// BaseModel is the pretrained model to fine-tune.
	BaseModel                 string  `json:"model_name" yaml:"model_name"`
	DatasetPath               string  `json:"dataset_path" yaml:"dataset_path"`
	OutputDir                 string  `json:"output_dir" yaml:"output_dir"`
	MaxSeqLength              int     `json:"max_seq_length" yaml:"max_seq_length"`
	LearningRate              float64 `json:"learning_rate" yaml:"learning_rate"`
	NumEpochs                 int     `json:"num_epochs" yaml:"num_epochs"`
	BatchSize                 int     `json:"batch_size" yaml:"batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
	LoraR                     int     `json:"lora_r" yaml:"lora_r"`
	LoraAlpha                 int     `json:"lora_alpha" yaml:"lora_alpha"`
	// SaveTotalLimit bounds how many checkpoints the trainer retains.
	SaveTotalLimit int    `json:"save_total_limit" yaml:"save_total_limit"`
	TextField      string `json:"text_field" yaml:"text_field"`
	// ResumeFromCheckpoint is filled in by the orchestrator when a
	// previous checkpoint is found under OutputDir.
	ResumeFromCheckpoint string `json:"resume_from_checkpoint,omitempty" yaml:"resume_from_checkpoint,omitempty"`
}

// ApplyDefaults fills zero-valued tuning fields with the stock defaults.
func (c *TrainingConfig) ApplyDefaults() {
	if c.MaxSeqLength == 0 {
		c.MaxSeqLength = 2048
	}
	if c.LearningRate == 0 {
		c.LearningRate = 2e-4
	}
	if c.NumEpochs == 0 {
		c.NumEpochs = 1
	}
	if c.BatchSize == 0 {
		c.BatchSize = 2
	}
	if c.GradientAccumulationSteps == 0 {
		c.GradientAccumulationSteps = 4
	}
	if c.LoraR == 0 {
		c.LoraR = 16
	}
	if c.LoraAlpha == 0 {
		c.LoraAlpha = 16
	}
	if c.SaveTotalLimit == 0 {
		c.SaveTotalLimit = 2
	}
	if c.TextField == "" {
		c.TextField = "text"
	}
}

// Validate checks the fields a run cannot start without.
func (c *TrainingConfig) Validate() error {
	if c.BaseModel == "" {
		return fmt.Errorf("training config: model_name is required")
	}
	if c.DatasetPath == "" {
		return fmt.Errorf("training config: dataset_path is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("training config: output_dir is required")
	}
	if c.NumEpochs < 0 || c.BatchSize < 0 || c.GradientAccumulationSteps < 0 {
		return fmt.Errorf("training config: negative step parameters")
	}
	return nil
}

// OutputName is the model name derived from the output directory.
func (c *TrainingConfig) OutputName() string {
	return filepath.Base(c.OutputDir)
}

// DatasetName is the dataset file name without its directory.
func (c *TrainingConfig) DatasetName() string {
	return filepath.Base(c.DatasetPath)
}

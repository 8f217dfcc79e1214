package domain

import "time"

// Run represents a single training run and its persisted outcome.
type Run struct {
	ID          string
	ModelName   string
	BaseModel   string
	DatasetName string
	DatasetPath string
	OutputPath  string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Config      TrainingConfig
	FinalLoss   *float64
	TotalSteps  int
	// CheckpointPath is the checkpoint the run resumed from, if any.
	CheckpointPath string
	ErrorMessage   string
	CreatedAt      time.Time
}

// Metric is a single training metric sample, keyed to the most recent
// step marker seen in the trainer output.
type Metric struct {
	ID           int64
	RunID        string
	Step         int
	Loss         *float64
	LearningRate *float64
	Epoch        *float64
	Timestamp    time.Time
}

// Model is a registered fine-tuned model artifact.
type Model struct {
	ID        int64
	Name      string
	Path      string
	BaseModel string
	SizeBytes int64
	RunID     string
	CreatedAt time.Time
	Metadata  map[string]string
}

// Dataset is a registered training dataset file.
type Dataset struct {
	ID               int64
	Name             string
	Path             string
	SizeBytes        int64
	RowCount         *int
	Source           string
	Fields           []string
	Validated        bool
	ValidationErrors string
	CreatedAt        time.Time
}

// LogEntry is one line of trainer output with its arrival time.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

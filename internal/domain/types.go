package domain

// RunStatus represents the execution state of a training run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunStopped:
		return true
	}
	return false
}

// EnvState represents the lifecycle state of the training environment
type EnvState string

const (
	// EnvUnavailable means the Docker daemon is not reachable.
	EnvUnavailable EnvState = "unavailable"
	// EnvAbsent means the training image has not been pulled.
	EnvAbsent EnvState = "absent"
	// EnvReady means the image is present but no container exists.
	EnvReady EnvState = "ready"
	// EnvCreating means a start worker is pulling the image or
	// creating the container.
	EnvCreating EnvState = "creating"
	EnvStopped  EnvState = "stopped"
	EnvRunning  EnvState = "running"
	// EnvError means the last start attempt failed.
	EnvError EnvState = "error"
)

// PullState represents the image pull progress state
type PullState string

const (
	PullIdle     PullState = "idle"
	PullPulling  PullState = "pulling"
	PullComplete PullState = "complete"
	PullError    PullState = "error"
)

// GPUStats is a snapshot of the first GPU visible inside the training
// container, as reported by nvidia-smi. Memory figures are in MB.
type GPUStats struct {
	Available         bool    `json:"available"`
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	TemperatureC      float64 `json:"temperature_c"`
	UtilizationPct    float64 `json:"utilization_pct"`
	MemUtilizationPct float64 `json:"mem_utilization_pct"`
	MemoryTotalMB     float64 `json:"memory_total_mb"`
	MemoryUsedMB      float64 `json:"memory_used_mb"`
	MemoryFreeMB      float64 `json:"memory_free_mb"`
	Message           string  `json:"message,omitempty"`
}

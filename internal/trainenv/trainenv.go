// Package trainenv manages the lifecycle of the Docker container that hosts
// fine-tuning jobs: image pulls, container create/start/stop, command
// execution, and resource probes.
package trainenv

import (
	"time"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

// Status is a point-in-time snapshot of the training environment.
type Status struct {
	State         domain.EnvState `json:"state"`
	Available     bool            `json:"available"`
	ImagePresent  bool            `json:"image_present"`
	ContainerID   string          `json:"container_id,omitempty"`
	ContainerName string          `json:"container_name,omitempty"`
	// GPU reports whether the running container was created with a GPU
	// device request (false after a CPU fallback).
	GPU     bool   `json:"gpu"`
	Message string `json:"message"`
}

// PullProgress is a snapshot of an in-flight training image download.
type PullProgress struct {
	Status            domain.PullState `json:"status"`
	Percent           float64          `json:"percent"`
	TotalLayers       int              `json:"total_layers"`
	CompletedLayers   int              `json:"completed_layers"`
	DownloadingLayers int              `json:"downloading_layers"`
	Message           string           `json:"message"`
}

// ContainerInfo describes a container created from the training image.
type ContainerInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	State   string    `json:"state"`
	Status  string    `json:"status"`
	Created time.Time `json:"created"`
}

// ContainerUsage is a one-shot CPU and memory reading for the running
// training container.
type ContainerUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ImageUpdate reports whether a newer training image exists upstream.
type ImageUpdate struct {
	Image           string `json:"image"`
	CurrentDigest   string `json:"current_digest"`
	RemoteDigest    string `json:"remote_digest"`
	UpdateAvailable bool   `json:"update_available"`
}

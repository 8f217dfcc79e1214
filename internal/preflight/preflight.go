// Package preflight checks whether the host has adequate resources for a
// fine-tuning run. Checks are advisory; no operation is ever blocked on
// their outcome.
package preflight

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

// defaultModelSizeGB is assumed when the caller does not know the model
// size. Matches a 7-8B parameter model in 4-bit plus overhead.
const defaultModelSizeGB = 8

// GPUProber reports GPU availability and memory. The environment manager
// implements it by probing nvidia-smi inside the container.
type GPUProber interface {
	GPUStats(ctx context.Context) (domain.GPUStats, error)
}

// Report is the outcome of an adequacy check.
type Report struct {
	Adequate        bool     `json:"adequate"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
}

func (r *Report) warn(warning, recommendation string) {
	r.Warnings = append(r.Warnings, warning)
	if recommendation != "" {
		r.Recommendations = append(r.Recommendations, recommendation)
	}
}

// CPUInfo is the live CPU portion of a resource snapshot.
type CPUInfo struct {
	Cores    int     `json:"cores"`
	UsagePct float64 `json:"usage_pct"`
}

// MemInfo is the live RAM portion of a resource snapshot.
type MemInfo struct {
	TotalGB     float64 `json:"total_gb"`
	AvailableGB float64 `json:"available_gb"`
	UsedPct     float64 `json:"used_pct"`
}

// DiskInfo is the live disk portion of a resource snapshot, measured on
// the work directory's filesystem.
type DiskInfo struct {
	TotalGB float64 `json:"total_gb"`
	FreeGB  float64 `json:"free_gb"`
	UsedPct float64 `json:"used_pct"`
}

// Resources is a host usage snapshot for the dashboard, the TUI and the
// check command.
type Resources struct {
	CPU  CPUInfo         `json:"cpu"`
	RAM  MemInfo         `json:"ram"`
	Disk DiskInfo        `json:"disk"`
	GPU  domain.GPUStats `json:"gpu"`
}

// Checker probes host resources. The probe funcs default to gopsutil and
// are overridable in tests.
type Checker struct {
	workDir string
	gpu     GPUProber

	vmem       func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage  func(ctx context.Context, path string) (*disk.UsageStat, error)
	cpuPercent func(ctx context.Context) ([]float64, error)
	cpuCounts  func(ctx context.Context) (int, error)
}

// New creates a checker that measures disk space on workDir's filesystem
// and asks gpu for GPU state. gpu may be nil; the GPU then counts as
// unavailable.
func New(workDir string, gpu GPUProber) *Checker {
	return &Checker{
		workDir:   workDir,
		gpu:       gpu,
		vmem:      mem.VirtualMemoryWithContext,
		diskUsage: disk.UsageWithContext,
		cpuPercent: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		cpuCounts: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
	}
}

// Check reports whether RAM, disk and GPU memory look sufficient for a
// run with the given dataset and model sizes. modelSizeGB defaults to 8
// when not positive. Every rule contributes independently; Adequate is
// true only with zero warnings.
func (c *Checker) Check(ctx context.Context, datasetSizeMB, modelSizeGB float64) Report {
	if modelSizeGB <= 0 {
		modelSizeGB = defaultModelSizeGB
	}
	r := Report{Warnings: []string{}, Recommendations: []string{}}

	if vm, err := c.vmem(ctx); err != nil {
		r.warn("Could not check RAM availability", "")
	} else if availableGB := gb(vm.Available); availableGB < modelSizeGB {
		r.warn(
			fmt.Sprintf("Low RAM: %.1fGB available, %.0fGB recommended", availableGB, modelSizeGB),
			"Close other applications to free up RAM",
		)
	}

	if du, err := c.diskUsage(ctx, c.workDir); err != nil {
		r.warn("Could not check disk space", "")
	} else {
		freeGB := gb(du.Free)
		requiredGB := datasetSizeMB/1024 + 2*modelSizeGB
		if freeGB < requiredGB {
			r.warn(
				fmt.Sprintf("Low disk space: %.1fGB available, %.1fGB recommended", freeGB, requiredGB),
				"Free up disk space before training",
			)
		}
	}

	gpuStats, gpuErr := c.probeGPU(ctx)
	switch {
	case gpuErr != nil || !gpuStats.Available:
		r.warn(
			"GPU not available - training will be very slow on CPU",
			"Install NVIDIA drivers and enable GPU support in Docker",
		)
	case gpuStats.MemoryFreeMB < modelSizeGB*1024:
		r.warn(
			fmt.Sprintf("Low GPU memory: %.1fGB available", gpuStats.MemoryFreeMB/1024),
			"Close other GPU applications or use a smaller model",
		)
	}

	r.Adequate = len(r.Warnings) == 0
	return r
}

// Snapshot gathers live CPU, RAM, disk and GPU usage. Unreadable probes
// leave their section zeroed.
func (c *Checker) Snapshot(ctx context.Context) Resources {
	var res Resources
	if counts, err := c.cpuCounts(ctx); err == nil {
		res.CPU.Cores = counts
	}
	if pct, err := c.cpuPercent(ctx); err == nil && len(pct) > 0 {
		res.CPU.UsagePct = pct[0]
	}
	if vm, err := c.vmem(ctx); err == nil {
		res.RAM = MemInfo{
			TotalGB:     gb(vm.Total),
			AvailableGB: gb(vm.Available),
			UsedPct:     vm.UsedPercent,
		}
	}
	if du, err := c.diskUsage(ctx, c.workDir); err == nil {
		res.Disk = DiskInfo{
			TotalGB: gb(du.Total),
			FreeGB:  gb(du.Free),
			UsedPct: du.UsedPercent,
		}
	}
	if gpu, err := c.probeGPU(ctx); err == nil {
		res.GPU = gpu
	}
	return res
}

func (c *Checker) probeGPU(ctx context.Context) (domain.GPUStats, error) {
	if c.gpu == nil {
		return domain.GPUStats{Message: "no GPU probe configured"}, nil
	}
	return c.gpu.GPUStats(ctx)
}

func gb(b uint64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}

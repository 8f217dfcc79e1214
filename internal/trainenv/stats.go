package trainenv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

const gpuQuery = "index,name,temperature.gpu,utilization.gpu,utilization.memory,memory.total,memory.used,memory.free"

// GPUStats probes the GPU inside the running container via nvidia-smi. A
// missing container or probe tool yields Available: false, not an error.
func (m *Manager) GPUStats(ctx context.Context) (domain.GPUStats, error) {
	cmd := []string{"nvidia-smi", "--query-gpu=" + gpuQuery, "--format=csv,noheader,nounits"}
	stream, err := m.Exec(ctx, cmd, nil)
	if err != nil {
		if errors.Is(err, ErrEnvironmentNotFound) {
			return domain.GPUStats{Message: "training environment is not running"}, nil
		}
		return domain.GPUStats{}, err
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		return domain.GPUStats{}, fmt.Errorf("reading nvidia-smi output: %w", err)
	}

	code, err := stream.ExitCode(ctx)
	if err != nil {
		return domain.GPUStats{}, err
	}
	if code != 0 {
		return domain.GPUStats{Message: "nvidia-smi is not available in the container"}, nil
	}

	stats, err := parseGPUStats(string(out))
	if err != nil {
		return domain.GPUStats{Message: err.Error()}, nil
	}
	return stats, nil
}

// parseGPUStats parses the first row of nvidia-smi CSV output (8 fields,
// noheader, nounits).
func parseGPUStats(out string) (domain.GPUStats, error) {
	var line string
	for _, l := range strings.Split(out, "\n") {
		if strings.TrimSpace(l) != "" {
			line = strings.TrimSpace(l)
			break
		}
	}
	if line == "" {
		return domain.GPUStats{}, errors.New("nvidia-smi reported no GPUs")
	}

	fields := strings.Split(line, ",")
	if len(fields) != 8 {
		return domain.GPUStats{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return domain.GPUStats{}, fmt.Errorf("parsing GPU index: %w", err)
	}

	var parseErr error
	num := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil && parseErr == nil {
			parseErr = fmt.Errorf("parsing nvidia-smi field %q: %w", s, err)
		}
		return v
	}

	stats := domain.GPUStats{
		Available:         true,
		Index:             index,
		Name:              fields[1],
		TemperatureC:      num(fields[2]),
		UtilizationPct:    num(fields[3]),
		MemUtilizationPct: num(fields[4]),
		MemoryTotalMB:     num(fields[5]),
		MemoryUsedMB:      num(fields[6]),
		MemoryFreeMB:      num(fields[7]),
	}
	if parseErr != nil {
		return domain.GPUStats{}, parseErr
	}
	return stats, nil
}

// ContainerStats reads a one-shot stats sample for the running container.
func (m *Manager) ContainerStats(ctx context.Context) (ContainerUsage, error) {
	ctr, ok := m.runningContainer(ctx)
	if !ok {
		return ContainerUsage{}, ErrEnvironmentNotFound
	}

	resp, err := m.cli.ContainerStats(ctx, ctr.ID, false)
	if err != nil {
		return ContainerUsage{}, fmt.Errorf("reading container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return ContainerUsage{}, fmt.Errorf("decoding container stats: %w", err)
	}
	return computeUsage(stats), nil
}

// computeUsage derives percentages from the daemon's cumulative counters.
func computeUsage(stats container.StatsResponse) ContainerUsage {
	var usage ContainerUsage

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 {
		usage.CPUPercent = cpuDelta / systemDelta * 100
	}

	usage.MemoryUsedMB = float64(stats.MemoryStats.Usage) / 1024 / 1024
	usage.MemoryLimitMB = float64(stats.MemoryStats.Limit) / 1024 / 1024
	if stats.MemoryStats.Limit > 0 {
		usage.MemoryPercent = float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit) * 100
	}
	return usage
}

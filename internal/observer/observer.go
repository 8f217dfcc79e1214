// Package observer watches training from the outside: it flags runs that
// have gone quiet and keeps an in-memory record of finished runs for quick
// aggregate stats.
package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

// Observer tracks run liveness and completions.
type Observer struct {
	stallThreshold time.Duration

	completions []completion
	failed      []string
	mu          sync.RWMutex
}

type completion struct {
	RunID       string
	Duration    time.Duration
	Steps       int
	FinalLoss   *float64
	CompletedAt time.Time
}

// Metrics holds aggregated run metrics.
type Metrics struct {
	TotalCompleted int
	TotalFailed    int
	AvgDuration    time.Duration
}

// New creates an Observer that considers a run stalled after
// stallThreshold without output.
func New(stallThreshold time.Duration) *Observer {
	return &Observer{
		stallThreshold: stallThreshold,
	}
}

// IsStalled reports whether a running job has produced no output for longer
// than the stall threshold. lastOutput is the time of the last log line, or
// the run's start time if it has not printed yet.
func (o *Observer) IsStalled(lastOutput time.Time, status domain.RunStatus) bool {
	if status != domain.RunRunning {
		return false
	}
	if lastOutput.IsZero() {
		return false
	}
	return time.Since(lastOutput) > o.stallThreshold
}

// RecordCompletion records a finished run.
func (o *Observer) RecordCompletion(runID string, duration time.Duration, steps int, finalLoss *float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		RunID:       runID,
		Duration:    duration,
		Steps:       steps,
		FinalLoss:   finalLoss,
		CompletedAt: time.Now(),
	})
}

// RecordFailure records a run that ended in failure.
func (o *Observer) RecordFailure(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failed = append(o.failed, runID)
}

// GetMetrics returns aggregated metrics.
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, c := range o.completions {
		metrics.TotalCompleted++
		totalDuration += c.Duration
	}
	metrics.TotalFailed = len(o.failed)

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns IDs of runs completed within the last duration.
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}

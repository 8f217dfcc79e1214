package maintenance

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/tune-orchestrator/internal/config"
)

// PruneResult reports what a cleanup pass removed.
type PruneResult struct {
	Removed int
	Bytes   int64
}

// PruneCheckpoints walks every model output directory under modelsDir and
// deletes all but the keep highest-numbered checkpoint-<step> directories.
// keep is clamped to 1 so a resume point always survives.
func PruneCheckpoints(modelsDir string, keep int) (PruneResult, error) {
	if keep < 1 {
		keep = 1
	}

	var res PruneResult

	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, err
	}

	var firstErr error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		removed, bytes, err := pruneModelDir(filepath.Join(modelsDir, entry.Name()), keep)
		res.Removed += removed
		res.Bytes += bytes
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return res, firstErr
}

type checkpoint struct {
	name string
	step int
}

func pruneModelDir(dir string, keep int) (int, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}

	var checkpoints []checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		suffix, ok := strings.CutPrefix(entry.Name(), "checkpoint-")
		if !ok {
			continue
		}
		step, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, checkpoint{name: entry.Name(), step: step})
	}

	if len(checkpoints) <= keep {
		return 0, 0, nil
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].step > checkpoints[j].step
	})

	removed := 0
	var bytes int64
	var firstErr error
	for _, cp := range checkpoints[keep:] {
		path := filepath.Join(dir, cp.name)
		bytes += dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}

	return removed, bytes, firstErr
}

// CleanWorkFiles removes rendered train scripts, run config files and run
// log files older than maxAge from workDir.
func CleanWorkFiles(workDir string, maxAge time.Duration) (PruneResult, error) {
	cutoff := time.Now().Add(-maxAge)

	var res PruneResult
	var firstErr error

	for _, pattern := range []string{
		filepath.Join(workDir, "train_*.py"),
		filepath.Join(workDir, "config", "*.json"),
		filepath.Join(workDir, "logs", "*.log"),
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			res.Removed++
			res.Bytes += info.Size()
		}
	}

	return res, firstErr
}

// Jobs builds the standard maintenance jobs from config values.
func Jobs(cfg config.MaintenanceConfig, modelsDir, workDir string, log *logrus.Logger) []Job {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return []Job{
		{
			Name: "prune-checkpoints",
			Cron: cfg.PruneCron,
			Run: func(ctx context.Context) error {
				res, err := PruneCheckpoints(modelsDir, cfg.KeepCheckpoints)
				if res.Removed > 0 {
					log.WithFields(logrus.Fields{
						"removed": res.Removed,
						"freed":   humanize.Bytes(uint64(res.Bytes)),
					}).Info("Pruned checkpoints")
				}
				return err
			},
		},
		{
			Name: "clean-work-files",
			Cron: cfg.PruneCron,
			Run: func(ctx context.Context) error {
				maxAge := time.Duration(cfg.WorkRetentionDays) * 24 * time.Hour
				res, err := CleanWorkFiles(workDir, maxAge)
				if res.Removed > 0 {
					log.WithFields(logrus.Fields{
						"removed": res.Removed,
						"freed":   humanize.Bytes(uint64(res.Bytes)),
					}).Info("Cleaned work files")
				}
				return err
			},
		},
	}
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

package trainer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/runstore"
	"github.com/hochfrequenz/tune-orchestrator/internal/scripts"
)

func trainScriptName(runID string) string {
	return "train_" + runID + ".py"
}

func runConfigName(runID string) string {
	return runID + ".json"
}

func runLogName(runID string) string {
	return "train_" + runID + ".log"
}

// runWorker drives one training run to a terminal state. It always
// persists the outcome and releases the job slot, whatever happened in
// between.
func (m *Manager) runWorker(ctx context.Context, j *job) {
	defer j.cancel()

	status, errMsg := m.executeRun(ctx, j)

	j.mu.Lock()
	switch status {
	case domain.RunCompleted:
		j.progress = 1
		j.message = "Training complete"
	case domain.RunStopped:
		j.message = "Training stopped"
	case domain.RunFailed:
		j.message = "Training failed"
		if errMsg != "" {
			j.message = "Training failed: " + errMsg
		}
	}
	final := j.snapshotLocked(false)
	totalSteps := j.totalSteps
	j.mu.Unlock()

	now := time.Now()
	upd := runstore.RunUpdate{Status: &status, CompletedAt: &now}
	if status == domain.RunCompleted && final.Loss != nil {
		upd.FinalLoss = final.Loss
	}
	if totalSteps > 0 {
		upd.TotalSteps = &totalSteps
	}
	if errMsg != "" {
		upd.ErrorMessage = &errMsg
	}
	if err := m.store.UpdateRun(j.runID, upd); err != nil {
		m.log.WithError(err).WithField("run", j.runID).Error("Could not persist run outcome")
	}

	m.log.WithFields(logrus.Fields{"run": j.runID, "status": status}).Info("Training run finished")

	m.mu.Lock()
	onStatus := m.onStatus
	m.job = nil
	m.mu.Unlock()
	m.busy.Store(false)

	if onStatus != nil {
		onStatus(final)
	}
}

func (m *Manager) executeRun(ctx context.Context, j *job) (domain.RunStatus, string) {
	run := &domain.Run{
		ID:          j.runID,
		ModelName:   j.cfg.OutputName(),
		BaseModel:   j.cfg.BaseModel,
		DatasetName: j.cfg.DatasetName(),
		DatasetPath: j.cfg.DatasetPath,
		OutputPath:  j.cfg.OutputDir,
		Status:      domain.RunRunning,
		StartedAt:   j.startedAt,
		Config:      j.cfg,
	}
	if err := m.store.CreateRun(run); err != nil {
		return domain.RunFailed, fmt.Sprintf("recording run: %v", err)
	}

	if env := m.env.Status(ctx); env.State != domain.EnvRunning {
		return domain.RunFailed, fmt.Sprintf("%v: %s", ErrJobPreconditionFailed, env.State)
	}

	if lf, err := m.openRunLog(j.runID); err != nil {
		m.log.WithError(err).WithField("run", j.runID).Warn("Could not create run log file")
	} else {
		j.logFile = lf
		defer lf.Close()
	}

	if cp := m.findCheckpoint(j.cfg.OutputDir); cp != "" {
		j.cfg.ResumeFromCheckpoint = cp
		if err := m.store.UpdateRun(j.runID, runstore.RunUpdate{CheckpointPath: &cp}); err != nil {
			m.log.WithError(err).WithField("run", j.runID).Warn("Could not record checkpoint")
		}
		m.log.WithFields(logrus.Fields{"run": j.runID, "checkpoint": cp}).Info("Resuming from checkpoint")
	}

	scriptPath, err := m.writeJobFiles(j)
	if err != nil {
		return domain.RunFailed, err.Error()
	}

	stream, err := m.env.Exec(ctx, []string{"python", "-u", scriptPath}, m.jobEnv())
	if err != nil {
		return domain.RunFailed, fmt.Sprintf("starting training process: %v", err)
	}
	defer stream.Close()

	j.mu.Lock()
	j.stream = stream
	j.mu.Unlock()

	scanner := bufio.NewScanner(stream)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if j.stop.Load() {
			break
		}
		m.handleLine(j, scanner.Text())
	}

	if j.stop.Load() {
		m.killTraining(j.runID)
		return domain.RunStopped, ""
	}
	if err := scanner.Err(); err != nil {
		return domain.RunFailed, fmt.Sprintf("reading training output: %v", err)
	}

	code, err := stream.ExitCode(ctx)
	if err != nil {
		if j.stop.Load() {
			return domain.RunStopped, ""
		}
		return domain.RunFailed, fmt.Sprintf("waiting for training process: %v", err)
	}
	if code != 0 {
		return domain.RunFailed, fmt.Sprintf("training exited with code %d", code)
	}

	m.registerModel(j)
	return domain.RunCompleted, ""
}

// handleLine records one line of trainer output: log entry, status update,
// metric write, callbacks.
func (m *Manager) handleLine(j *job, line string) {
	entry := domain.LogEntry{Timestamp: time.Now(), Message: line}
	if j.logFile != nil {
		j.logFile.WriteString(line + "\n")
	}
	upd := classify(line)

	var metric *domain.Metric
	var status Status
	changed := false

	j.mu.Lock()
	j.logs = append(j.logs, entry)
	if upd != nil {
		changed = j.applyLocked(upd)
		if upd.loss != nil {
			metric = &domain.Metric{
				RunID: j.runID,
				Step:  j.step,
				Loss:  upd.loss,
				Epoch: upd.epoch,
			}
		}
		if changed {
			status = j.snapshotLocked(true)
		}
	}
	j.mu.Unlock()

	if metric != nil {
		if err := m.store.AddMetric(metric); err != nil {
			m.log.WithError(err).WithField("run", j.runID).Warn("Could not record training metric")
		}
	}

	onLog, onStatus := m.callbacks()
	if onLog != nil {
		onLog(entry)
	}
	if changed && onStatus != nil {
		onStatus(status)
	}
}

// writeJobFiles renders the training script and writes it together with
// the run config JSON under the host work dir. It returns the script path
// as the container sees it. User-supplied values only ever reach the
// config file; the script text itself is fixed.
func (m *Manager) writeJobFiles(j *job) (string, error) {
	configDir := filepath.Join(m.workDir, "config")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	cfgJSON, err := json.MarshalIndent(j.cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding run config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, runConfigName(j.runID)), cfgJSON, 0o644); err != nil {
		return "", fmt.Errorf("writing run config: %w", err)
	}

	containerCfg := path.Join(m.workspacePath, "config", runConfigName(j.runID))
	script, err := m.scripts.BuildTrainScript(scripts.TrainData{ConfigPath: containerCfg})
	if err != nil {
		return "", fmt.Errorf("rendering training script: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.workDir, trainScriptName(j.runID)), []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("writing training script: %w", err)
	}

	return path.Join(m.workspacePath, trainScriptName(j.runID)), nil
}

// openRunLog creates the on-disk copy of the job output under
// <workDir>/logs.
func (m *Manager) openRunLog(runID string) (*os.File, error) {
	dir := filepath.Join(m.workDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(dir, runLogName(runID)))
}

// findCheckpoint scans the output directory for trainer checkpoints and
// returns the container path of the newest one, or "" when there is
// nothing to resume from.
func (m *Manager) findCheckpoint(outputDir string) string {
	host, ok := m.hostPath(outputDir)
	if !ok {
		return ""
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return ""
	}
	best := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		suffix, found := strings.CutPrefix(e.Name(), "checkpoint-")
		if !found {
			continue
		}
		step, err := strconv.Atoi(suffix)
		if err != nil || step <= best {
			continue
		}
		best = step
	}
	if best < 0 {
		return ""
	}
	return path.Join(outputDir, fmt.Sprintf("checkpoint-%d", best))
}

// hostPath maps a container workspace path to the bind-mounted host path.
func (m *Manager) hostPath(containerPath string) (string, bool) {
	rel, found := strings.CutPrefix(containerPath, m.workspacePath)
	if !found {
		return "", false
	}
	if rel != "" && !strings.HasPrefix(rel, "/") {
		return "", false
	}
	return filepath.Join(m.workDir, filepath.FromSlash(rel)), true
}

// jobEnv builds the process environment for the training exec. The
// Hugging Face token is passed through when one is stored.
func (m *Manager) jobEnv() []string {
	token, err := m.store.GetSetting(SettingHFToken)
	if err != nil {
		m.log.WithError(err).Debug("Could not read hf_token setting")
		return nil
	}
	if token == "" {
		return nil
	}
	return []string{"HF_TOKEN=" + token}
}

// registerModel records the finished model in the registry. Failures are
// logged but never fail the run itself.
func (m *Manager) registerModel(j *job) {
	model := &domain.Model{
		Name:      j.cfg.OutputName(),
		Path:      j.cfg.OutputDir,
		BaseModel: j.cfg.BaseModel,
		RunID:     j.runID,
	}
	if host, ok := m.hostPath(j.cfg.OutputDir); ok {
		model.Path = host
		model.SizeBytes = dirSize(host)
	}
	if err := m.store.AddModel(model); err != nil {
		m.log.WithError(err).WithField("model", model.Name).Warn("Could not register trained model")
	}
}

// killTraining terminates the training process inside the container after
// a stop request. Best effort.
func (m *Manager) killTraining(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := m.env.Exec(ctx, []string{"pkill", "-f", trainScriptName(runID)}, nil)
	if err != nil {
		m.log.WithError(err).WithField("run", runID).Debug("Could not signal training process")
		return
	}
	defer stream.Close()
	io.Copy(io.Discard, stream)
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Package trainer runs one fine-tuning job at a time inside the training
// environment, turning the streamed process output into progress updates,
// persisted metrics and log entries.
package trainer

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/runstore"
	"github.com/hochfrequenz/tune-orchestrator/internal/scripts"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
)

// SettingHFToken is the settings key holding the Hugging Face access token.
const SettingHFToken = "hf_token"

// EnvRuntime is the slice of the environment manager the trainer needs.
type EnvRuntime interface {
	Status(ctx context.Context) trainenv.Status
	Exec(ctx context.Context, cmd []string, env []string) (*trainenv.ExecStream, error)
}

// RunStore defines the persistence operations for runs, metrics and
// trained models.
type RunStore interface {
	CreateRun(run *domain.Run) error
	UpdateRun(id string, u runstore.RunUpdate) error
	AddMetric(m *domain.Metric) error
	AddModel(m *domain.Model) error
	GetSetting(key string) (string, error)
}

// Status is a point-in-time snapshot of the active training job.
type Status struct {
	Running     bool      `json:"running"`
	RunID       string    `json:"run_id,omitempty"`
	Progress    float64   `json:"progress"`
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	Loss        *float64  `json:"loss,omitempty"`
	Epoch       float64   `json:"epoch"`
	Message     string    `json:"message"`
	StartedAt   time.Time `json:"started_at"`
}

// job holds the mutable state of one training run. The stop flag and the
// cancel func are owned by Stop; everything under mu is owned by the worker.
type job struct {
	runID     string
	cfg       domain.TrainingConfig
	startedAt time.Time
	stop      atomic.Bool
	cancel    context.CancelFunc

	// logFile mirrors the job output to disk. Only the worker goroutine
	// touches it.
	logFile *os.File

	mu         sync.Mutex
	stream     *trainenv.ExecStream
	progress   float64
	step       int
	totalSteps int
	loss       *float64
	epoch      float64
	message    string
	logs       []domain.LogEntry
}

// Manager owns the single training slot.
type Manager struct {
	env           EnvRuntime
	store         RunStore
	scripts       *scripts.Loader
	workDir       string // host side of the workspace bind mount
	workspacePath string // the same directory as the container sees it
	log           *logrus.Logger

	busy atomic.Bool

	mu       sync.Mutex
	job      *job
	onLog    func(domain.LogEntry)
	onStatus func(Status)
}

// New creates a trainer backed by the given environment and store. workDir
// and workspacePath name the two sides of the workspace bind mount.
func New(env EnvRuntime, store RunStore, loader *scripts.Loader, workDir, workspacePath string, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		env:           env,
		store:         store,
		scripts:       loader,
		workDir:       workDir,
		workspacePath: workspacePath,
		log:           log,
	}
}

// Start launches a training run with the given configuration and returns
// its run ID. Only one run may be active at a time; while the slot is
// occupied Start returns the active run's ID with ErrJobAlreadyRunning.
func (m *Manager) Start(cfg domain.TrainingConfig) (string, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return m.activeRunID(), ErrJobAlreadyRunning
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		m.busy.Store(false)
		return "", err
	}
	if env := m.env.Status(context.Background()); env.State == domain.EnvCreating {
		m.busy.Store(false)
		return "", ErrEnvironmentBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		runID:     uuid.NewString(),
		cfg:       cfg,
		startedAt: time.Now(),
		cancel:    cancel,
		message:   "Starting training run...",
	}
	m.mu.Lock()
	m.job = j
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"run":        j.runID,
		"base_model": cfg.BaseModel,
		"dataset":    cfg.DatasetName(),
	}).Info("Training run starting")

	go m.runWorker(ctx, j)
	return j.runID, nil
}

// Stop requests cancellation of the active run and returns immediately.
// The worker performs the terminal transition.
func (m *Manager) Stop() error {
	m.mu.Lock()
	j := m.job
	m.mu.Unlock()
	if j == nil {
		return ErrNoJob
	}

	j.stop.Store(true)
	j.cancel()

	// Closing the stream unblocks a worker waiting on quiet output.
	j.mu.Lock()
	stream := j.stream
	j.mu.Unlock()
	if stream != nil {
		stream.Close()
	}

	m.log.WithField("run", j.runID).Info("Stop requested")
	return nil
}

// Status returns a snapshot of the active run, or an idle status when
// nothing is running.
func (m *Manager) Status() Status {
	m.mu.Lock()
	j := m.job
	m.mu.Unlock()
	if j == nil {
		return Status{Message: "Ready to train"}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked(true)
}

// DrainLogs returns the log entries accumulated since the previous call
// and clears the queue. This is a single-consumer contract; fan-out
// readers should register a log callback instead.
func (m *Manager) DrainLogs() []domain.LogEntry {
	m.mu.Lock()
	j := m.job
	m.mu.Unlock()
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	logs := j.logs
	j.logs = nil
	return logs
}

// SetLogCallback registers a hook invoked for every line of trainer
// output. The callback runs outside internal locks.
func (m *Manager) SetLogCallback(fn func(domain.LogEntry)) {
	m.mu.Lock()
	m.onLog = fn
	m.mu.Unlock()
}

// SetStatusCallback registers a hook invoked whenever the status snapshot
// changes. The callback runs outside internal locks.
func (m *Manager) SetStatusCallback(fn func(Status)) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

func (m *Manager) activeRunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return ""
	}
	return m.job.runID
}

func (m *Manager) callbacks() (func(domain.LogEntry), func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onLog, m.onStatus
}

func (j *job) snapshotLocked(running bool) Status {
	var loss *float64
	if j.loss != nil {
		v := *j.loss
		loss = &v
	}
	return Status{
		Running:     running,
		RunID:       j.runID,
		Progress:    j.progress,
		CurrentStep: j.step,
		TotalSteps:  j.totalSteps,
		Loss:        loss,
		Epoch:       j.epoch,
		Message:     j.message,
		StartedAt:   j.startedAt,
	}
}

// applyLocked folds a classified line into the job status. Progress never
// decreases, so a stale phase marker cannot move the bar backwards.
func (j *job) applyLocked(u *lineUpdate) bool {
	changed := false
	if u.hasStep && (j.step != u.step || j.totalSteps != u.totalSteps) {
		j.step = u.step
		j.totalSteps = u.totalSteps
		changed = true
	}
	if u.loss != nil {
		j.loss = u.loss
		changed = true
	}
	if u.epoch != nil {
		j.epoch = *u.epoch
		changed = true
	}
	if u.progress > j.progress {
		j.progress = u.progress
		if u.message != "" {
			j.message = u.message
		}
		changed = true
	}
	return changed
}

// Package tui is the terminal dashboard: environment state, the running
// training job, recent trainer output and a host resource line.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/preflight"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainer"
)

const (
	// logBuffer bounds the in-memory log ring; logTail is how much of it
	// the dashboard shows.
	logBuffer = 200
	logTail   = 12

	flashDuration = 4 * time.Second
)

// Client is everything the dashboard needs from the orchestrator. The
// view never talks to Docker itself.
type Client interface {
	EnvironmentStatus(ctx context.Context) trainenv.Status
	PullProgress() trainenv.PullProgress
	StartEnvironment(ctx context.Context) error
	TrainingStatus() trainer.Status
	StopTraining() error
	DrainLogs() []domain.LogEntry
	Resources(ctx context.Context) preflight.Resources
}

// Model is the TUI application model
type Model struct {
	client Client

	// Data
	env       trainenv.Status
	pull      trainenv.PullProgress
	training  trainer.Status
	resources preflight.Resources
	logs      []domain.LogEntry

	// UI state
	width     int
	height    int
	statusMsg string
	flashExp  time.Time

	lastRefresh time.Time
}

// NewModel creates a new TUI model
func NewModel(client Client) Model {
	return Model{client: client}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshCmd(m.client),
		tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// SnapshotMsg carries one refresh worth of orchestrator state.
type SnapshotMsg struct {
	Env       trainenv.Status
	Pull      trainenv.PullProgress
	Training  trainer.Status
	Resources preflight.Resources
	Logs      []domain.LogEntry
}

// ActionMsg reports the outcome of a key-triggered action.
type ActionMsg struct {
	Verb string
	Err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func refreshCmd(c Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return SnapshotMsg{
			Env:       c.EnvironmentStatus(ctx),
			Pull:      c.PullProgress(),
			Training:  c.TrainingStatus(),
			Resources: c.Resources(ctx),
			Logs:      c.DrainLogs(),
		}
	}
}

func startEnvCmd(c Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ActionMsg{Verb: "start environment", Err: c.StartEnvironment(ctx)}
	}
}

func stopTrainingCmd(c Client) tea.Cmd {
	return func() tea.Msg {
		return ActionMsg{Verb: "stop training", Err: c.StopTraining()}
	}
}

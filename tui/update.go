package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "r":
			return m, refreshCmd(m.client)

		case "s":
			if m.env.State == domain.EnvRunning || m.env.State == domain.EnvCreating {
				m.flash("Environment already " + string(m.env.State))
				return m, nil
			}
			m.flash("Starting environment...")
			return m, startEnvCmd(m.client)

		case "t":
			if !m.training.Running {
				m.flash("No training job running")
				return m, nil
			}
			m.flash("Stopping training...")
			return m, stopTrainingCmd(m.client)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(refreshCmd(m.client), tickCmd())

	case SnapshotMsg:
		m.env = msg.Env
		m.pull = msg.Pull
		m.training = msg.Training
		m.resources = msg.Resources
		m.appendLogs(msg.Logs)
		m.lastRefresh = time.Now()
		return m, nil

	case ActionMsg:
		if msg.Err != nil {
			m.flash("Error: " + msg.Err.Error())
		} else {
			m.flash("Requested " + msg.Verb)
		}
		return m, refreshCmd(m.client)
	}

	return m, nil
}

func (m *Model) flash(text string) {
	m.statusMsg = text
	m.flashExp = time.Now().Add(flashDuration)
}

func (m *Model) appendLogs(entries []domain.LogEntry) {
	if len(entries) == 0 {
		return
	}
	m.logs = append(m.logs, entries...)
	if len(m.logs) > logBuffer {
		m.logs = m.logs[len(m.logs)-logBuffer:]
	}
}

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	barBackStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Tune Orchestrator │ Environment: %s │ Refreshed: %s ",
		envLabel(m.env.State), refreshLabel(m.lastRefresh))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderEnvironment()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderTraining()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderLogs()))
	b.WriteString("\n")

	b.WriteString(dimStyle.Width(m.width).Render(m.renderResources()))
	b.WriteString("\n")

	if m.statusMsg != "" && time.Now().Before(m.flashExp) {
		flashStyle := runningStyle
		if strings.HasPrefix(m.statusMsg, "Error") {
			flashStyle = errorStyle
		}
		b.WriteString(flashStyle.Width(m.width).Render(" " + m.statusMsg + " "))
		b.WriteString("\n")
	}

	b.WriteString(statusBarStyle.Width(m.width).Render(" [s]tart env  [t]stop training  [r]efresh  [q]uit "))

	return b.String()
}

func (m Model) renderEnvironment() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ENVIRONMENT"))
	b.WriteString("\n")

	glyph, style := envGlyph(m.env.State)
	line := fmt.Sprintf("  %s %-10s %s", glyph, envLabel(m.env.State), m.env.Message)
	b.WriteString(style.Render(line))

	if m.env.State == domain.EnvRunning {
		gpu := "GPU"
		if !m.env.GPU {
			gpu = "CPU only"
		}
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s  container %s", gpu, truncate(m.env.ContainerID, 12))))
	}

	if m.pull.Status == domain.PullPulling {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  Pulling image %s %3.0f%%  (%d/%d layers)",
			progressBar(m.pull.Percent/100, 30), m.pull.Percent,
			m.pull.CompletedLayers, m.pull.TotalLayers))
		if m.pull.Message != "" {
			b.WriteString("\n")
			b.WriteString(dimStyle.Render("  " + truncate(m.pull.Message, m.width-6)))
		}
	}

	return b.String()
}

func (m Model) renderTraining() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("TRAINING"))
	b.WriteString("\n")

	if !m.training.Running && m.training.RunID == "" {
		b.WriteString(dimStyle.Render("  No training job running"))
		return b.String()
	}

	style := runningStyle
	if !m.training.Running {
		style = dimStyle
	}
	b.WriteString(style.Render(fmt.Sprintf("  %s", m.training.Message)))
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("  %s %3.0f%%", progressBar(m.training.Progress, 40), m.training.Progress*100))
	b.WriteString("\n")

	detail := fmt.Sprintf("  Step %d/%d", m.training.CurrentStep, m.training.TotalSteps)
	if m.training.Loss != nil {
		detail += fmt.Sprintf("  loss %.4f", *m.training.Loss)
	}
	if m.training.Epoch > 0 {
		detail += fmt.Sprintf("  epoch %.2f", m.training.Epoch)
	}
	if m.training.Running {
		detail += "  " + formatDuration(time.Since(m.training.StartedAt))
	}
	b.WriteString(dimStyle.Render(detail))

	return b.String()
}

func (m Model) renderLogs() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RECENT OUTPUT"))
	b.WriteString("\n")

	if len(m.logs) == 0 {
		b.WriteString(dimStyle.Render("  No output yet"))
		return b.String()
	}

	tail := m.logs
	if len(tail) > logTail {
		tail = tail[len(tail)-logTail:]
	}

	for i, entry := range tail {
		line := fmt.Sprintf("  %s  %s",
			entry.Timestamp.Format("15:04:05"), truncate(entry.Message, m.width-16))
		b.WriteString(dimStyle.Render(line))
		if i < len(tail)-1 {
			b.WriteString("\n")
		}
	}

	return b.String()
}

func (m Model) renderResources() string {
	ram := fmt.Sprintf("RAM %.1f/%.1f GB", m.resources.RAM.TotalGB-m.resources.RAM.AvailableGB, m.resources.RAM.TotalGB)
	disk := fmt.Sprintf("Disk %.1f GB free", m.resources.Disk.FreeGB)

	gpu := "GPU n/a"
	if m.resources.GPU.Available {
		gpu = fmt.Sprintf("GPU %s %.0f%% %.0f/%.0f MB",
			m.resources.GPU.Name, m.resources.GPU.UtilizationPct,
			m.resources.GPU.MemoryUsedMB, m.resources.GPU.MemoryTotalMB)
	}

	return fmt.Sprintf(" %s │ %s │ %s ", ram, disk, gpu)
}

func envLabel(state domain.EnvState) string {
	if state == "" {
		return "unknown"
	}
	return string(state)
}

func envGlyph(state domain.EnvState) (string, lipgloss.Style) {
	switch state {
	case domain.EnvRunning:
		return "●", runningStyle
	case domain.EnvCreating:
		return "◐", warningStyle
	case domain.EnvError, domain.EnvUnavailable:
		return "✗", errorStyle
	default:
		return "○", dimStyle
	}
}

func refreshLabel(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("15:04:05")
}

func progressBar(fraction float64, width int) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction*float64(width) + 0.5)
	return barStyle.Render(strings.Repeat("█", filled)) +
		barBackStyle.Render(strings.Repeat("░", width-filled))
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

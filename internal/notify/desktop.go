package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier sends native desktop notifications
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send shows the notification with whatever mechanism the platform has
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	case "windows":
		return d.sendWindows(n)
	default:
		return nil // Unsupported
	}
}

// Failure messages carry raw trainer error text, so everything interpolated
// into a shell-bound script must be quoted.
func (d *DesktopNotifier) sendMacOS(n Notification) error {
	script := `display notification "` + appleQuote(n.Message) + `" with title "` + appleQuote(n.Title) + `"`
	cmd := exec.Command("osascript", "-e", script)
	return cmd.Run()
}

func (d *DesktopNotifier) sendLinux(n Notification) error {
	// Try notify-send (most common)
	cmd := exec.Command("notify-send", "--icon", IconForType(n.Type), n.Title, n.Message)
	return cmd.Run()
}

func (d *DesktopNotifier) sendWindows(n Notification) error {
	script := "Add-Type -AssemblyName System.Windows.Forms;" +
		"Add-Type -AssemblyName System.Drawing;" +
		"$t = New-Object System.Windows.Forms.NotifyIcon;" +
		"$t.Icon = [System.Drawing.SystemIcons]::Information;" +
		"$t.Visible = $true;" +
		"$t.BalloonTipTitle = '" + psQuote(n.Title) + "';" +
		"$t.BalloonTipText = '" + psQuote(n.Message) + "';" +
		"$t.ShowBalloonTip(5000)"
	cmd := exec.Command("powershell", "-NoProfile", "-Command", script)
	return cmd.Run()
}

func appleQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

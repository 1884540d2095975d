package messaging

import (
	"os/exec"
	"strings"

	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/models"
)

// NotifyConfig controls shell-command delivery of urgent notifications.
type NotifyConfig struct {
	Command string // shell command template, e.g. "notify-send 'Assist' '{{.Subject}}'"
}

// NotifyConfigFrom reads the notify section of the service config.
func NotifyConfigFrom(c config.NotifyConfig) NotifyConfig {
	return NotifyConfig{Command: c.Command}
}

// Notify runs the configured command for a notification. Best-effort:
// errors are logged, not returned.
func Notify(n *models.Notification, cfg NotifyConfig, log *logger.Logger) {
	if cfg.Command == "" {
		return
	}
	cmd := exec.Command("sh", "-c", templateNotification(cfg.Command, n))
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Warn("notify command failed", "error", err, "output", strings.TrimSpace(string(out)))
	}
}

// shouldNotify reports whether a notification warrants a push.
func shouldNotify(n *models.Notification) bool {
	return n.Priority == "urgent" || n.Kind == models.NotifyExhausted
}

// templateNotification replaces placeholders in the command template.
func templateNotification(command string, n *models.Notification) string {
	r := strings.NewReplacer(
		"{{.Subject}}", n.Subject,
		"{{.Body}}", n.Body,
		"{{.Recipient}}", n.Recipient,
		"{{.Kind}}", n.Kind,
		"{{.SessionID}}", n.SessionID,
		"{{.Priority}}", n.Priority,
	)
	return r.Replace(command)
}

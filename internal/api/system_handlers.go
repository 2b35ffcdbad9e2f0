package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// systemStatusResponse is the shape returned by GET /system/status.
type systemStatusResponse struct {
	Scripts systemScriptsResponse `json:"scripts"`
	Outbox  systemOutboxResponse  `json:"outbox"`
	Uptime  uptimeResponse        `json:"uptime"`
}

type systemScriptsResponse struct {
	Cached       int    `json:"cached"`
	Dir          string `json:"dir"`
	Watching     bool   `json:"watching"`
	SignedState  bool   `json:"signed_state"`
	WebhookCheck bool   `json:"webhook_signature_check"`
}

type systemOutboxResponse struct {
	Pending     int64 `json:"pending"`
	Enabled     bool  `json:"enabled"`
	MaxAttempts int   `json:"max_attempts"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleSystemStatus reports the script cache, the completion outbox and
// uptime.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.Outbox.CountPending(r.Context())
	if err != nil {
		slog.Error("system status: failed to count outbox", "error", err)
		pending = -1
	}

	uptimeDur := time.Since(s.startTime)

	resp := systemStatusResponse{
		Scripts: systemScriptsResponse{
			Cached:       s.scripts.Len(),
			Dir:          s.cfg.ScriptsDir,
			Watching:     s.cfg.WatchScripts,
			SignedState:  s.cfg.StateSecret != "",
			WebhookCheck: s.cfg.TwilioAuthToken != "",
		},
		Outbox: systemOutboxResponse{
			Pending:     pending,
			Enabled:     s.cfg.NotifyEnabled(),
			MaxAttempts: s.cfg.NotifyMaxAttempts,
		},
		Uptime: uptimeResponse{
			StartedAt:  s.startTime.UTC().Format(time.RFC3339),
			UptimeSec:  int64(uptimeDur.Seconds()),
			UptimeText: formatUptime(uptimeDur),
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

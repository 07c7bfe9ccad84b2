package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/campus-sync/internal/realtime"
	"github.com/coder/websocket"
)

// serveWebSocket upgrades the request and runs the connection's session
// until the peer goes away.
func (h *handlers) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		h.cfg.Logger.Debug("websocket accept failed",
			slog.String("user_id", p.UserID),
			slog.String("error", err.Error()),
		)

		return
	}

	conn.SetReadLimit(h.cfg.MaxBodyBytes)

	if err := h.cfg.Registry.Serve(r.Context(), conn, "", p, deviceID); err != nil {
		h.cfg.Logger.Debug("websocket session ended",
			slog.String("user_id", p.UserID),
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *handlers) realtimeStats(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, h.cfg.Registry.TenantStats(p.TenantID))
}

type announceRequest struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
}

// announce sends a system announcement to the admin's tenant.
func (h *handlers) announce(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req announceRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "title is required")
		return
	}

	if req.Severity == "" {
		req.Severity = "info"
	}

	n := h.cfg.Broadcaster.SystemAnnouncement(r.Context(), realtime.Announcement{
		Title:    req.Title,
		Body:     req.Body,
		Severity: req.Severity,
		TenantID: p.TenantID,
	})

	h.cfg.Logger.Info("system announcement sent",
		slog.String("tenant_id", p.TenantID),
		slog.String("sent_by", p.UserID),
		slog.Int("delivered", n),
	)

	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

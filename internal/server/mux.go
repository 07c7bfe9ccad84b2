// Package server provides HTTP server construction for campus-sync.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/campus-sync/internal/auth"
	"github.com/alexjbarnes/campus-sync/internal/devices"
	"github.com/alexjbarnes/campus-sync/internal/messaging"
	"github.com/alexjbarnes/campus-sync/internal/notify"
	"github.com/alexjbarnes/campus-sync/internal/offline"
	"github.com/alexjbarnes/campus-sync/internal/realtime"
	"github.com/alexjbarnes/campus-sync/internal/syncengine"
)

const defaultMaxBodyBytes = 1 << 20

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Auth          auth.Authenticator
	Engine        *syncengine.Engine
	Messaging     *messaging.Service
	Notifications *notify.Service
	Devices       *devices.Registry
	Offline       *offline.Cache
	Registry      *realtime.Registry
	Broadcaster   *realtime.Broadcaster
	// MCPHandler serves /mcp for admins. Nil leaves the route unmounted.
	MCPHandler http.Handler
	Logger     *slog.Logger

	// AllowedOrigins are host patterns accepted on WebSocket upgrades
	// besides the request's own host.
	AllowedOrigins []string
	MaxBodyBytes   int64
}

type handlers struct {
	cfg MuxConfig
}

// NewMux builds the HTTP mux with the health check, the authenticated
// REST and WebSocket API under /v1 and the admin-only MCP endpoint.
func NewMux(cfg MuxConfig) *http.ServeMux {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	h := &handlers{cfg: cfg}

	api := http.NewServeMux()

	api.HandleFunc("POST /v1/sync/records", h.createSyncRecord)
	api.HandleFunc("GET /v1/sync/records/{syncId}", h.getSyncRecord)
	api.HandleFunc("POST /v1/sync/records/{syncId}/process", h.processSyncRecord)
	api.HandleFunc("POST /v1/sync/check-conflict", h.checkConflict)
	api.HandleFunc("POST /v1/sync/bulk", h.bulkSync)
	api.HandleFunc("GET /v1/sync/pending", h.pendingSyncs)
	api.HandleFunc("GET /v1/sync/status", h.syncStatus)
	api.HandleFunc("GET /v1/sync/conflicts", h.listConflicts)
	api.HandleFunc("POST /v1/sync/conflicts/{conflictId}/resolve", h.resolveConflict)

	api.HandleFunc("POST /v1/messages", h.sendMessage)
	api.HandleFunc("GET /v1/messages", h.getMessages)
	api.HandleFunc("POST /v1/messages/{messageId}/read", h.markMessageRead)
	api.HandleFunc("GET /v1/threads/{threadId}", h.getThread)

	api.HandleFunc("POST /v1/notifications", h.sendNotification)
	api.HandleFunc("GET /v1/notifications", h.listNotifications)
	api.HandleFunc("POST /v1/notifications/{notificationId}/read", h.markNotificationRead)

	api.HandleFunc("POST /v1/devices", h.registerDevice)
	api.HandleFunc("GET /v1/devices", h.listDevices)
	api.HandleFunc("GET /v1/devices/{deviceId}", h.getDevice)
	api.HandleFunc("PATCH /v1/devices/{deviceId}", h.updateDevice)
	api.HandleFunc("DELETE /v1/devices/{deviceId}", h.deactivateDevice)

	api.HandleFunc("PUT /v1/offline/{deviceId}/{cacheKey}", h.storeOffline)
	api.HandleFunc("GET /v1/offline/{deviceId}/{cacheKey}", h.fetchOffline)
	api.HandleFunc("DELETE /v1/offline/{deviceId}/{cacheKey}", h.deleteOffline)
	api.HandleFunc("GET /v1/offline/{deviceId}", h.listOffline)

	api.HandleFunc("GET /v1/ws", h.serveWebSocket)
	api.Handle("GET /v1/realtime/stats", auth.RequireAdmin(http.HandlerFunc(h.realtimeStats)))
	api.Handle("POST /v1/realtime/announcements", auth.RequireAdmin(http.HandlerFunc(h.announce)))

	authMiddleware := auth.Middleware(cfg.Auth, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("/v1/", authMiddleware(api))

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", authMiddleware(auth.RequireAdmin(cfg.MCPHandler)))
	}

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

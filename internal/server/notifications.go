package server

import (
	"net/http"

	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/notify"
)

func (h *handlers) sendNotification(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var in notify.Input
	if !h.decodeJSON(w, r, &in) {
		return
	}

	n, err := h.cfg.Notifications.SendNotification(r.Context(), p, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, n)
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	unread, ok := queryBool(w, r, "unreadOnly")
	if !ok {
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	list, err := h.cfg.Notifications.ListNotifications(r.Context(), p, notify.ListFilter{
		UnreadOnly: unread,
		Limit:      limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if list == nil {
		list = []models.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (h *handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	n, err := h.cfg.Notifications.MarkNotificationRead(r.Context(), p, r.PathValue("notificationId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, n)
}

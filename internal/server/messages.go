package server

import (
	"net/http"

	"github.com/alexjbarnes/campus-sync/internal/messaging"
	"github.com/alexjbarnes/campus-sync/internal/models"
)

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var in messaging.Input
	if !h.decodeJSON(w, r, &in) {
		return
	}

	msg, err := h.cfg.Messaging.SendMessage(r.Context(), p, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *handlers) getMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}

	q := r.URL.Query()

	msgs, err := h.cfg.Messaging.GetMessages(r.Context(), p, messaging.Filter{
		ThreadID:    q.Get("threadId"),
		MessageType: models.MessageType(q.Get("messageType")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if msgs == nil {
		msgs = []models.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *handlers) markMessageRead(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	msg, err := h.cfg.Messaging.MarkMessageRead(r.Context(), p, r.PathValue("messageId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

func (h *handlers) getThread(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	thread, err := h.cfg.Messaging.GetThread(r.Context(), p, r.PathValue("threadId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

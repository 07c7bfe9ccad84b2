package server

import (
	"encoding/json"
	"net/http"
)

type storeOfflineRequest struct {
	Data       json.RawMessage `json:"data"`
	TTLSeconds int             `json:"ttlSeconds,omitempty"`
}

func (h *handlers) storeOffline(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req storeOfflineRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	entry, err := h.cfg.Offline.Store(r.Context(), p, r.PathValue("deviceId"), r.PathValue("cacheKey"), req.Data, req.TTLSeconds)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) fetchOffline(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	entry, err := h.cfg.Offline.Fetch(r.Context(), p, r.PathValue("deviceId"), r.PathValue("cacheKey"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) deleteOffline(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	if err := h.cfg.Offline.Delete(r.Context(), p, r.PathValue("deviceId"), r.PathValue("cacheKey")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listOffline(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	keys, err := h.cfg.Offline.Keys(r.Context(), p, r.PathValue("deviceId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if keys == nil {
		keys = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

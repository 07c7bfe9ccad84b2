package server

import (
	"encoding/json"
	"net/http"

	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/syncengine"
)

func (h *handlers) createSyncRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var in syncengine.Input
	if !h.decodeJSON(w, r, &in) {
		return
	}

	rec, err := h.cfg.Engine.CreateSyncRecord(r.Context(), p, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) getSyncRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	rec, err := h.cfg.Engine.GetSyncRecord(r.Context(), p, r.PathValue("syncId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) processSyncRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	rec, err := h.cfg.Engine.ProcessSyncRecord(r.Context(), p, r.PathValue("syncId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

type checkConflictResponse struct {
	HasConflict bool                 `json:"hasConflict"`
	Conflict    *models.SyncConflict `json:"conflict,omitempty"`
}

func (h *handlers) checkConflict(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var in syncengine.Input
	if !h.decodeJSON(w, r, &in) {
		return
	}

	c, err := h.cfg.Engine.CheckConflict(r.Context(), p, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkConflictResponse{HasConflict: c != nil, Conflict: c})
}

// bulkRequest carries a batch of mutations. A non-empty DeviceID
// overrides the device of every record.
type bulkRequest struct {
	DeviceID string             `json:"deviceId"`
	Records  []syncengine.Input `json:"records"`
}

func (h *handlers) bulkSync(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req bulkRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	writeJSON(w, http.StatusOK, h.cfg.Engine.BulkSync(r.Context(), p, req.DeviceID, req.Records))
}

func (h *handlers) pendingSyncs(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	recs, err := h.cfg.Engine.GetPendingSyncs(r.Context(), p, r.URL.Query().Get("deviceId"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if recs == nil {
		recs = []models.SyncRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (h *handlers) syncStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	st, err := h.cfg.Engine.GetSyncStatus(r.Context(), p, r.URL.Query().Get("deviceId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) listConflicts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	unresolved, ok := queryBool(w, r, "unresolved")
	if !ok {
		return
	}

	conflicts, err := h.cfg.Engine.ListConflicts(r.Context(), p, syncengine.ConflictFilter{
		DeviceID:       r.URL.Query().Get("deviceId"),
		UnresolvedOnly: unresolved,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if conflicts == nil {
		conflicts = []models.SyncConflict{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveRequest struct {
	Strategy     models.ResolutionStrategy `json:"strategy"`
	ResolvedData json.RawMessage           `json:"resolvedData,omitempty"`
}

func (h *handlers) resolveConflict(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req resolveRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	c, err := h.cfg.Engine.ResolveConflict(r.Context(), p, r.PathValue("conflictId"), req.Strategy, req.ResolvedData)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

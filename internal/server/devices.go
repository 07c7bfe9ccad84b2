package server

import (
	"net/http"

	"github.com/alexjbarnes/campus-sync/internal/devices"
	"github.com/alexjbarnes/campus-sync/internal/models"
)

func (h *handlers) registerDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var in devices.RegisterInput
	if !h.decodeJSON(w, r, &in) {
		return
	}

	d, err := h.cfg.Devices.RegisterDevice(r.Context(), p, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	list, err := h.cfg.Devices.ListDevices(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if list == nil {
		list = []models.DeviceRegistration{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
}

func (h *handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	d, err := h.cfg.Devices.GetDevice(r.Context(), p, r.PathValue("deviceId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) updateDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var patch devices.Patch
	if !h.decodeJSON(w, r, &patch) {
		return
	}

	d, err := h.cfg.Devices.UpdateDevice(r.Context(), p, r.PathValue("deviceId"), patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) deactivateDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	d, err := h.cfg.Devices.DeactivateDevice(r.Context(), p, r.PathValue("deviceId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

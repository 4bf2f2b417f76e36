package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/stillwater-app/journal-server-go/internal/errors"
	"github.com/stillwater-app/journal-server-go/internal/httputil"
	"github.com/stillwater-app/journal-server-go/internal/middleware"
	"github.com/stillwater-app/journal-server-go/internal/service"
)

type DeviceKeyHandler struct {
	devices *service.DeviceKeyService
}

func NewDeviceKeyHandler(devices *service.DeviceKeyService) *DeviceKeyHandler {
	return &DeviceKeyHandler{devices: devices}
}

type beginKeyExchangeRequest struct {
	ClientPublic string `json:"clientPublic"`
}

// Begin handles POST /v1/device-keys: one DH handshake per device.
func (h *DeviceKeyHandler) Begin(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	platform := middleware.GetPlatform(r.Context())

	var req beginKeyExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.ClientPublic == "" {
		httputil.WriteError(w, apperrors.MissingRequired("clientPublic"))
		return
	}

	result, err := h.devices.Begin(r.Context(), user.ID, platform, req.ClientPublic)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

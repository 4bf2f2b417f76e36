package handler

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/crypto"
	apperrors "github.com/stillwater-app/journal-server-go/internal/errors"
	"github.com/stillwater-app/journal-server-go/internal/httputil"
	"github.com/stillwater-app/journal-server-go/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// writeServiceError maps service sentinels onto the client-facing error
// taxonomy. Anything unmapped is logged with full context and surfaced
// generically.
func writeServiceError(w http.ResponseWriter, err error) {
	var badState *service.BadStateError
	switch {
	case errors.As(err, &badState):
		httputil.WriteError(w, apperrors.BadState(badState.Expected, string(badState.Observed)))
	case errors.Is(err, service.ErrStoreRaced):
		httputil.WriteError(w, apperrors.StoreRaced())
	case errors.Is(err, service.ErrUserNotFound):
		httputil.WriteError(w, apperrors.NotFound("User"))
	case errors.Is(err, service.ErrEntryNotFound):
		httputil.WriteError(w, apperrors.NotFound("Journal entry"))
	case errors.Is(err, service.ErrMasterKeyNotFound):
		httputil.WriteError(w, apperrors.NotFound("Master key"))
	case errors.Is(err, service.ErrKeyUnavailable):
		httputil.WriteError(w, apperrors.KeyUnavailable())
	case errors.Is(err, service.ErrKeyIssueRatelimited):
		httputil.WriteError(w, apperrors.Ratelimited("device_key_issuance", 1, 1))
	case errors.Is(err, service.ErrInvalidPlatform):
		httputil.WriteError(w, apperrors.InvalidInput("platform", "must be ios, android, or browser"))
	case errors.Is(err, crypto.ErrInvalidPublicValue):
		httputil.WriteError(w, apperrors.InvalidInput("clientPublic", "not a valid key exchange value"))
	case errors.Is(err, service.ErrStreamTimeout):
		httputil.WriteError(w, apperrors.Wrap(apperrors.ErrCodeExternal, "Storage timed out; retry shortly", err))
	default:
		log.Error().Err(err).Msg("unhandled service error")
		httputil.WriteError(w, apperrors.Internal("An unexpected error occurred"))
	}
}

// writeAdmission renders an admission outcome: queued admissions ride the
// success payload, rejections turn into the structured 429 variants.
func writeAdmission(w http.ResponseWriter, result *service.AdmissionResult, success any, successStatus int) {
	switch result.Status {
	case service.AdmissionQueued:
		writeJSON(w, successStatus, success)
	case service.AdmissionRatelimited:
		httputil.WriteError(w, apperrors.Ratelimited(result.Resource, result.At, result.Limit))
	case service.AdmissionBackpressure:
		httputil.WriteError(w, apperrors.Backpressure(result.Resource, result.At, result.Limit))
	}
}

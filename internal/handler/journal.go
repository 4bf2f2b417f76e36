package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stillwater-app/journal-server-go/internal/codec"
	apperrors "github.com/stillwater-app/journal-server-go/internal/errors"
	"github.com/stillwater-app/journal-server-go/internal/httputil"
	"github.com/stillwater-app/journal-server-go/internal/middleware"
	"github.com/stillwater-app/journal-server-go/internal/model"
	"github.com/stillwater-app/journal-server-go/internal/service"
)

type JournalHandler struct {
	journal *service.JournalService
	devices *service.DeviceKeyService
}

func NewJournalHandler(journal *service.JournalService, devices *service.DeviceKeyService) *JournalHandler {
	return &JournalHandler{journal: journal, devices: devices}
}

func (h *JournalHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateEntry)
	r.Get("/{entryUID}", h.GetEntry)
	r.Post("/{entryUID}/messages", h.AppendMessage)
	r.Post("/{entryUID}/reflection-response", h.AppendReflectionResponse)
	r.Put("/{entryUID}/reflection-question", h.EditReflectionQuestion)
	r.Post("/{entryUID}/events", h.AppendUIEvent)
	r.Post("/{entryUID}/retry", h.Retry)
	return r
}

type createEntryRequest struct {
	ExcludeFromAggregates bool `json:"excludeFromAggregates"`
}

func (h *JournalHandler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req createEntryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
			return
		}
	}

	var flags model.EntryFlags
	if req.ExcludeFromAggregates {
		flags |= model.EntryFlagExcludedFromAggregates
	}

	result, err := h.journal.CreateEntry(r.Context(), user.ID, flags)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeAdmission(w, result.Admission, map[string]any{
		"entryUid": result.EntryUID,
		"jobId":    result.Admission.JobID,
	}, http.StatusCreated)
}

func (h *JournalHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	platform := middleware.GetPlatform(r.Context())
	entryUID := chi.URLParam(r, "entryUID")

	keyID := r.URL.Query().Get("keyId")
	if keyID == "" {
		httputil.WriteError(w, apperrors.MissingRequired("keyId"))
		return
	}

	items, err := h.journal.ReplayForTransport(r.Context(), user.ID, entryUID, keyID, platform)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// encryptedItemRequest carries a transport-encrypted item body: the
// fernet token opens to {"parts": [...]}.
type encryptedItemRequest struct {
	KeyID   string `json:"keyId"`
	Payload string `json:"payload"`
	// PriorCiphertext is required for edits: standard base64 of the
	// stored ciphertext the caller observed.
	PriorCiphertext string `json:"priorCiphertext,omitempty"`
}

type itemBody struct {
	Parts []codec.Part `json:"parts"`
}

func (h *JournalHandler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	platform := middleware.GetPlatform(r.Context())
	entryUID := chi.URLParam(r, "entryUID")

	body, ok := h.decryptItemBody(w, r, user.ID, platform)
	if !ok {
		return
	}

	item := &codec.Item{
		Content: codec.ChatText{Parts: body.Parts},
		Author:  codec.AuthorSelf,
	}

	result, err := h.journal.AppendUserMessage(r.Context(), user.ID, entryUID, item)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeAdmission(w, result.Admission, map[string]any{
		"itemUid": result.ItemUID,
		"counter": result.Counter,
		"jobId":   result.Admission.JobID,
	}, http.StatusCreated)
}

func (h *JournalHandler) AppendReflectionResponse(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	platform := middleware.GetPlatform(r.Context())
	entryUID := chi.URLParam(r, "entryUID")

	body, ok := h.decryptItemBody(w, r, user.ID, platform)
	if !ok {
		return
	}

	item := &codec.Item{
		Content: codec.ReflectionResponse{Parts: body.Parts},
		Author:  codec.AuthorSelf,
	}

	result, err := h.journal.AppendReflectionResponse(r.Context(), user.ID, entryUID, item)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeAdmission(w, result.Admission, map[string]any{
		"itemUid": result.ItemUID,
		"counter": result.Counter,
		"jobId":   result.Admission.JobID,
	}, http.StatusCreated)
}

func (h *JournalHandler) EditReflectionQuestion(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	platform := middleware.GetPlatform(r.Context())
	entryUID := chi.URLParam(r, "entryUID")

	var req encryptedItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.PriorCiphertext == "" {
		httputil.WriteError(w, apperrors.MissingRequired("priorCiphertext"))
		return
	}

	prior, err := base64.StdEncoding.DecodeString(req.PriorCiphertext)
	if err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("priorCiphertext", "must be standard base64"))
		return
	}

	body, ok := h.openItemBody(w, r, req, user.ID, platform)
	if !ok {
		return
	}

	item := &codec.Item{
		Content: codec.ReflectionQuestion{Parts: body.Parts},
		Author:  codec.AuthorOther,
	}

	result, err := h.journal.EditReflectionQuestion(r.Context(), user.ID, entryUID, item, prior)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type uiEventRequest struct {
	Event codec.UIEventKind `json:"event"`
}

func (h *JournalHandler) AppendUIEvent(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	entryUID := chi.URLParam(r, "entryUID")

	var req uiEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	switch req.Event {
	case codec.UIEventTookContent, codec.UIEventDismissed:
	default:
		httputil.WriteError(w, apperrors.InvalidInput("event", "unknown ui event"))
		return
	}

	result, err := h.journal.AppendUIEvent(r.Context(), user.ID, entryUID, codec.UIEvent{Event: req.Event})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *JournalHandler) Retry(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	entryUID := chi.URLParam(r, "entryUID")

	result, err := h.journal.RetryGeneration(r.Context(), user.ID, entryUID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeAdmission(w, result, map[string]any{"jobId": result.JobID}, http.StatusAccepted)
}

func (h *JournalHandler) decryptItemBody(w http.ResponseWriter, r *http.Request, userID string, platform model.Platform) (*itemBody, bool) {
	var req encryptedItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return nil, false
	}
	return h.openItemBody(w, r, req, userID, platform)
}

func (h *JournalHandler) openItemBody(w http.ResponseWriter, r *http.Request, req encryptedItemRequest, userID string, platform model.Platform) (*itemBody, bool) {
	if req.KeyID == "" {
		httputil.WriteError(w, apperrors.MissingRequired("keyId"))
		return nil, false
	}
	if req.Payload == "" {
		httputil.WriteError(w, apperrors.MissingRequired("payload"))
		return nil, false
	}

	plaintext, err := h.devices.Decrypt(r.Context(), req.KeyID, userID, platform, req.Payload)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}

	var body itemBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid item payload"))
		return nil, false
	}
	if len(body.Parts) == 0 {
		httputil.WriteError(w, apperrors.MissingRequired("parts"))
		return nil, false
	}
	return &body, true
}

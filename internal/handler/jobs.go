package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/stillwater-app/journal-server-go/internal/errors"
	"github.com/stillwater-app/journal-server-go/internal/events"
	"github.com/stillwater-app/journal-server-go/internal/httputil"
	"github.com/stillwater-app/journal-server-go/internal/middleware"
	"github.com/stillwater-app/journal-server-go/internal/model"
	"github.com/stillwater-app/journal-server-go/internal/service"
)

const heartbeatInterval = 30 * time.Second

type JobsHandler struct {
	broker    *events.Broker
	admission *service.AdmissionService
}

func NewJobsHandler(broker *events.Broker, admission *service.AdmissionService) *JobsHandler {
	return &JobsHandler{broker: broker, admission: admission}
}

func (h *JobsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{jobID}/events", h.StreamEvents)
	return r
}

// StreamEvents replays the job's recorded events and then follows live
// progress over SSE until the job reaches a terminal status or the
// client disconnects.
func (h *JobsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	jobID := chi.URLParam(r, "jobID")

	descriptor, err := h.admission.Job(r.Context(), jobID)
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("failed to load job descriptor")
		httputil.WriteError(w, apperrors.Internal("Failed to load job"))
		return
	}
	if descriptor == nil || descriptor.UserID != user.ID {
		// A foreign job and a missing job are indistinguishable to the
		// caller.
		httputil.WriteError(w, apperrors.NotFound("Job"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(jobID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("jobId", jobID).
		Str("userId", user.ID).
		Msg("job events connection established")

	ctx := r.Context()

	recorded, err := h.admission.Events(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("failed to replay recorded job events")
	}
	seen := model.JobStatus("")
	for _, event := range recorded {
		if err := h.sendEvent(w, flusher, event); err != nil {
			return
		}
		seen = event.Status
	}
	if terminal(seen) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("jobId", jobID).Msg("job events connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("jobId", jobID).Msg("job events connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Str("jobId", jobID).Msg("failed to send job event")
				return
			}
			if terminal(event.Status) {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("jobId", jobID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *JobsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event model.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Status); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func terminal(status model.JobStatus) bool {
	return status == model.JobStatusCompleted || status == model.JobStatusFailed
}

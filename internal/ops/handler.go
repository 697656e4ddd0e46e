package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sportsdata/gobox/gbx"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// deadLetterService is the operational surface of gbx.Gobox.
type deadLetterService interface {
	DeadLetters(ctx context.Context, limit int) (*gbx.DeadLetterReport, error)
	ReplayOutgoing(ctx context.Context, eventId uuid.UUID) error
	ReplayIncoming(ctx context.Context, eventId uuid.UUID, consumer string) (gbx.Disposition, error)
}

var _ deadLetterService = (*gbx.Gobox)(nil)

type Handler struct {
	service deadLetterService
	venues  venueCreator
	logger  gbx.Logger
}

func NewHandler(service deadLetterService, l gbx.Logger) *Handler {
	if l == nil {
		l = &gbx.NopLogger{}
	}
	return &Handler{service: service, logger: l}
}

type deadLetter struct {
	EventId       uuid.UUID     `json:"eventId"`
	EventType     gbx.EventType `json:"eventType"`
	CorrelationId uuid.UUID     `json:"correlationId"`
	CausationId   *uuid.UUID    `json:"causationId,omitempty"`
	Consumer      string        `json:"consumer,omitempty"`
	AttemptCount  int           `json:"attemptCount"`
	LastError     string        `json:"lastError"`
	CreatedAt     time.Time     `json:"createdAt"`
}

type deadLettersResponse struct {
	Outgoing []deadLetter `json:"outgoing"`
	Incoming []deadLetter `json:"incoming"`
}

type replayResponse struct {
	EventId     uuid.UUID `json:"eventId"`
	Consumer    string    `json:"consumer,omitempty"`
	Disposition string    `json:"disposition,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxLimit)
	}

	report, err := h.service.DeadLetters(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := deadLettersResponse{
		Outgoing: make([]deadLetter, 0, len(report.Outgoing)),
		Incoming: make([]deadLetter, 0, len(report.Incoming)),
	}
	for _, o := range report.Outgoing {
		resp.Outgoing = append(resp.Outgoing, toDeadLetter(&o.Envelope, "", o.AttemptCount, o.LastError))
	}
	for _, i := range report.Incoming {
		resp.Incoming = append(resp.Incoming, toDeadLetter(&i.Envelope, i.ConsumerName, i.AttemptCount, i.LastError))
	}
	h.write(w, http.StatusOK, resp)
}

func (h *Handler) replayOutgoing(w http.ResponseWriter, r *http.Request) {
	eventId, err := uuid.Parse(chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event id: %w", err))
		return
	}
	if err := h.service.ReplayOutgoing(r.Context(), eventId); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.write(w, http.StatusAccepted, replayResponse{EventId: eventId})
}

func (h *Handler) replayIncoming(w http.ResponseWriter, r *http.Request) {
	eventId, err := uuid.Parse(chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event id: %w", err))
		return
	}
	consumer := chi.URLParam(r, "consumer")
	d, err := h.service.ReplayIncoming(r.Context(), eventId, consumer)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.write(w, http.StatusOK, replayResponse{EventId: eventId, Consumer: consumer, Disposition: d.String()})
}

func toDeadLetter(e *gbx.Envelope, consumer string, attempts int, lastError string) deadLetter {
	dl := deadLetter{
		EventId:       e.EventId,
		EventType:     e.EventType,
		CorrelationId: e.CorrelationId,
		Consumer:      consumer,
		AttemptCount:  attempts,
		LastError:     lastError,
		CreatedAt:     e.CreatedAt.UTC(),
	}
	if !e.IsRoot() {
		causationId := e.CausationId
		dl.CausationId = &causationId
	}
	return dl
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gbx.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, gbx.ErrInboxDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("could not write the response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("ops request failed", err)
	}
	h.write(w, status, errorResponse{Error: err.Error()})
}

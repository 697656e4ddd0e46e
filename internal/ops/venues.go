package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/internal/venues"
)

// correlationHeader lets a caller continue an existing flow.
const correlationHeader = "X-Correlation-Id"

// venueCreator is satisfied by venues.Service.
type venueCreator interface {
	CreateVenue(ctx context.Context, t gbx.Trace, v venues.Venue) (*gbx.Envelope, error)
}

var _ venueCreator = (*venues.Service)(nil)

type createVenueRequest struct {
	Name     string `json:"name"`
	City     string `json:"city"`
	State    string `json:"state"`
	Capacity int    `json:"capacity"`
	IsIndoor bool   `json:"isIndoor"`
}

type createVenueResponse struct {
	VenueId       uuid.UUID `json:"venueId"`
	EventId       uuid.UUID `json:"eventId"`
	CorrelationId uuid.UUID `json:"correlationId"`
}

// WithVenues enables the endpoint that writes a venue together with its
// VenueCreated event.
func (h *Handler) WithVenues(v venueCreator) *Handler {
	h.venues = v
	return h
}

func (h *Handler) createVenue(w http.ResponseWriter, r *http.Request) {
	var req createVenueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	t := gbx.NewTrace()
	if raw := r.Header.Get(correlationHeader); raw != "" {
		correlationId, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid correlation id: %w", err))
			return
		}
		t = gbx.TraceFrom(correlationId, uuid.Nil)
	}

	venueId := uuid.New()
	e, err := h.venues.CreateVenue(r.Context(), t, venues.Venue{
		Id:       venueId,
		Name:     req.Name,
		City:     req.City,
		State:    req.State,
		Capacity: req.Capacity,
		IsIndoor: req.IsIndoor,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, venues.ErrInvalidVenue) {
			status = http.StatusBadRequest
		}
		h.writeError(w, status, err)
		return
	}
	h.write(w, http.StatusCreated, createVenueResponse{VenueId: venueId, EventId: e.EventId, CorrelationId: e.CorrelationId})
}

package gbx

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Header names used by the transports to carry the envelope next to the
// payload.
const (
	HeaderEventId       = "id"
	HeaderEventType     = "eventType"
	HeaderCorrelationId = "correlationId"
	HeaderCausationId   = "causationId"
	HeaderCreatedAt     = "createdAt" // unix microseconds
)

// Headers returns the envelope fields as transport headers. The causation
// header is omitted for root events.
func (e *Envelope) Headers() map[string]string {
	h := map[string]string{
		HeaderEventId:       e.EventId.String(),
		HeaderEventType:     string(e.EventType),
		HeaderCorrelationId: e.CorrelationId.String(),
		HeaderCreatedAt:     strconv.FormatInt(e.CreatedAt.UnixMicro(), 10),
	}
	if !e.IsRoot() {
		h[HeaderCausationId] = e.CausationId.String()
	}
	return h
}

// EnvelopeFromHeaders rebuilds an envelope received by a transport. The
// result is validated.
func EnvelopeFromHeaders(h map[string]string, payload []byte) (*Envelope, error) {
	var err error
	e := &Envelope{EventType: EventType(h[HeaderEventType]), Payload: payload}
	if e.EventId, err = uuid.Parse(h[HeaderEventId]); err != nil {
		return nil, fmt.Errorf("%w: bad %s header: %w", ErrInvalidEnvelope, HeaderEventId, err)
	}
	if e.CorrelationId, err = uuid.Parse(h[HeaderCorrelationId]); err != nil {
		return nil, fmt.Errorf("%w: bad %s header: %w", ErrInvalidEnvelope, HeaderCorrelationId, err)
	}
	if v, ok := h[HeaderCausationId]; ok && v != "" {
		if e.CausationId, err = uuid.Parse(v); err != nil {
			return nil, fmt.Errorf("%w: bad %s header: %w", ErrInvalidEnvelope, HeaderCausationId, err)
		}
	}
	if v, ok := h[HeaderCreatedAt]; ok {
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s header: %w", ErrInvalidEnvelope, HeaderCreatedAt, err)
		}
		e.CreatedAt = time.UnixMicro(us).UTC()
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

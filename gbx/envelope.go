package gbx

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a domain event (e.g. "VenueCreated").
type EventType string

// Envelope is the unit persisted in the outbox, sent through the broker and
// recorded in the inbox. It carries the event payload plus the metadata
// needed for deduplication and causal tracing.
type Envelope struct {
	EventId       uuid.UUID // globally unique, never reused
	EventType     EventType // discriminator used to route to handlers
	CorrelationId uuid.UUID // shared by every event of the same logical flow
	CausationId   uuid.UUID // id of the event that caused this one (uuid.Nil for roots)
	Payload       []byte    // serialized event body
	CreatedAt     time.Time // creation time, used for ordering
}

// Trace is the causal context handed explicitly to producers.
type Trace struct {
	CorrelationId uuid.UUID
	CausationId   uuid.UUID
}

// NewTrace returns the trace of a new logical flow started by an external
// trigger.
func NewTrace() Trace {
	return Trace{CorrelationId: uuid.New()}
}

// TraceFrom returns a trace that continues an existing flow, typically
// identified by an inbound request.
func TraceFrom(correlationId, causationId uuid.UUID) Trace {
	return Trace{CorrelationId: correlationId, CausationId: causationId}
}

// Trace returns the context for events caused by e.
func (e *Envelope) Trace() Trace {
	return Trace{CorrelationId: e.CorrelationId, CausationId: e.EventId}
}

// IsRoot reports whether e was not caused by any other event.
func (e *Envelope) IsRoot() bool {
	return e.CausationId == uuid.Nil
}

// NewEnvelope builds an envelope with a fresh event id for the provided trace.
func NewEnvelope(t Trace, eventType EventType, payload []byte) *Envelope {
	if t.CorrelationId == uuid.Nil {
		t.CorrelationId = uuid.New()
	}
	return &Envelope{
		EventId:       uuid.New(),
		EventType:     eventType,
		CorrelationId: t.CorrelationId,
		CausationId:   t.CausationId,
		Payload:       payload,
		CreatedAt:     defaultClock.next(),
	}
}

// Validate checks the envelope can be safely enqueued.
func (e *Envelope) Validate() error {
	switch {
	case e.EventId == uuid.Nil:
		return fmt.Errorf("%w: event id is required", ErrInvalidEnvelope)
	case e.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidEnvelope)
	case e.CorrelationId == uuid.Nil:
		return fmt.Errorf("%w: correlation id is required", ErrInvalidEnvelope)
	case e.CausationId == e.EventId:
		return fmt.Errorf("%w: an event cannot cause itself", ErrInvalidEnvelope)
	}
	return nil
}

// monotonicClock hands out strictly increasing timestamps truncated to the
// microsecond precision of Postgres timestamptz.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

var defaultClock = &monotonicClock{now: time.Now}

func (c *monotonicClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

package gbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeadLetter describes an event that exceeded its retry ceiling.
type DeadLetter struct {
	Direction     string // "outgoing" or "incoming"
	EventId       uuid.UUID
	EventType     EventType
	CorrelationId uuid.UUID
	CausationId   uuid.UUID
	ConsumerName  string // empty for outgoing events
	AttemptCount  int
	LastError     string
	CreatedAt     time.Time
}

// Alerter notifies operators about dead letters.
type Alerter interface {
	DeadLettered(ctx context.Context, dl DeadLetter)
}

// LogAlerter reports dead letters through the configured logger.
type LogAlerter struct {
	logger Logger
}

var _ Alerter = (*LogAlerter)(nil)
var _ Loggable = (*LogAlerter)(nil)

func (a *LogAlerter) SetLogger(l Logger) {
	a.logger = l
}

func (a *LogAlerter) DeadLettered(_ context.Context, dl DeadLetter) {
	if a.logger == nil {
		return
	}
	msg := fmt.Sprintf("%s event %s (%s) dead-lettered after %d attempts [correlationId=%s causationId=%s",
		dl.Direction, dl.EventId, dl.EventType, dl.AttemptCount, dl.CorrelationId, dl.CausationId)
	if dl.ConsumerName != "" {
		msg += " consumer=" + dl.ConsumerName
	}
	a.logger.Error(msg+"]", errors.New(dl.LastError))
}

func outgoingDeadLetter(r *OutgoingRecord, attempts int, lastError string) DeadLetter {
	return DeadLetter{
		Direction:     "outgoing",
		EventId:       r.EventId,
		EventType:     r.EventType,
		CorrelationId: r.CorrelationId,
		CausationId:   r.CausationId,
		AttemptCount:  attempts,
		LastError:     lastError,
		CreatedAt:     r.CreatedAt,
	}
}

func incomingDeadLetter(e *Envelope, consumer string, attempts int, lastError string) DeadLetter {
	return DeadLetter{
		Direction:     "incoming",
		EventId:       e.EventId,
		EventType:     e.EventType,
		CorrelationId: e.CorrelationId,
		CausationId:   e.CausationId,
		ConsumerName:  consumer,
		AttemptCount:  attempts,
		LastError:     lastError,
		CreatedAt:     e.CreatedAt,
	}
}

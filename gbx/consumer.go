package gbx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Disposition tells the transport what to do with a delivery.
type Disposition int

const (
	Ack  Disposition = iota // the delivery is done
	Nack                    // the transport must redeliver it
)

func (d Disposition) String() string {
	if d == Ack {
		return "ack"
	}
	return "nack"
}

// Deliverer is what transports hand incoming envelopes to.
type Deliverer interface {
	Deliver(ctx context.Context, e *Envelope) Disposition
}

var _ Deliverer = (*Consumer)(nil)
var _ Deliverer = (*Gobox)(nil)

// Consumer runs the registered handlers of incoming events at most once
// successfully per (event, consumer) pair.
type Consumer struct {
	settings Settings
	registry *Registry
	inbox    InboxRepository
	cache    ProcessedCache
	logger   Logger
	counters Counters
	alerter  Alerter
	clock    Clock
}

// Deliver hands an incoming envelope to every consumer registered for its
// event type. The result is Nack if any of them asks for a redelivery.
func (c *Consumer) Deliver(ctx context.Context, e *Envelope) Disposition {
	if err := e.Validate(); err != nil {
		c.logger.Error("dropping malformed incoming event", err)
		return Ack
	}
	regs := c.registry.Lookup(e.EventType)
	if len(regs) == 0 {
		c.logger.Debug(fmt.Sprintf("no handlers registered for '%s', skipping event '%s'", e.EventType, e.EventId))
		return Ack
	}
	result := Ack
	for _, reg := range regs {
		if c.deliverTo(ctx, e, reg) == Nack {
			result = Nack
		}
	}
	return result
}

// Replay resets an incoming dead letter and runs its handler again through
// the normal claim path.
func (c *Consumer) Replay(ctx context.Context, eventId uuid.UUID, consumer string) (Disposition, error) {
	rec, err := c.inbox.Get(ctx, eventId, consumer)
	if err != nil {
		return Nack, err
	}
	h, ok := c.registry.Handler(rec.EventType, consumer)
	if !ok {
		return Nack, fmt.Errorf("no handler registered for %s/%s", rec.EventType, consumer)
	}
	replayed, err := c.inbox.Replay(ctx, eventId, consumer)
	if err != nil {
		return Nack, err
	}
	if !replayed {
		return Nack, fmt.Errorf("%w: no dead letter %s for consumer %s", ErrRecordNotFound, rec.EventId, consumer)
	}
	c.logger.Info(fmt.Sprintf("replaying incoming event '%s' for consumer '%s'", rec.EventId, consumer))
	return c.deliverTo(ctx, &rec.Envelope, Registration{EventType: rec.EventType, ConsumerName: consumer, Handler: h}), nil
}

func (c *Consumer) deliverTo(ctx context.Context, e *Envelope, reg Registration) Disposition {
	if c.cache != nil {
		processed, err := c.cache.IsProcessed(ctx, e.EventId, reg.ConsumerName)
		if err != nil {
			c.logger.Warn(fmt.Sprintf("processed cache lookup failed: %s", err))
		} else if processed {
			c.counters.Duplicates.Inc(1)
			return Ack
		}
	}

	now := c.clock.Now()
	claim, err := c.inbox.Claim(ctx, &IncomingRecord{
		Envelope:     *e,
		ConsumerName: reg.ConsumerName,
		Status:       IncomingProcessing,
		ReceivedAt:   now,
	}, now.Add(-c.settings.StaleAfter))
	if err != nil {
		c.logger.Error(fmt.Sprintf("when claiming '%s' for '%s'", e.EventId, reg.ConsumerName), err)
		return Nack
	}

	switch claim.Outcome {
	case ClaimDuplicate:
		c.logger.Debug(fmt.Sprintf("duplicate delivery of '%s' for '%s' ignored", e.EventId, reg.ConsumerName))
		c.counters.Duplicates.Inc(1)
		c.rememberProcessed(ctx, e, reg)
		return Ack
	case ClaimDeadLettered:
		c.logger.Debug(fmt.Sprintf("'%s' is dead-lettered for '%s', delivery ignored", e.EventId, reg.ConsumerName))
		return Ack
	case ClaimInFlight:
		c.logger.Debug(fmt.Sprintf("'%s' is being processed by another worker for '%s'", e.EventId, reg.ConsumerName))
		if c.settings.InFlightPolicy == InFlightSkip {
			return Ack
		}
		return Nack
	}

	meta := Metadata{
		EventId:       e.EventId,
		EventType:     e.EventType,
		CorrelationId: e.CorrelationId,
		CausationId:   e.CausationId,
		CreatedAt:     e.CreatedAt,
		ConsumerName:  reg.ConsumerName,
		Attempt:       claim.Attempt,
	}

	msg, err := reg.Handler.Deserialize(e.Payload)
	if err != nil {
		if !errors.Is(err, ErrSerialization) {
			err = fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		return c.fail(ctx, e, meta, err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.settings.ProcessingTimeout)
	err = invoke(hctx, reg.Handler, msg, meta)
	cancel()

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// interrupted by a shutdown, the row is taken over once stale
		c.logger.Warn(fmt.Sprintf("handling of '%s' for '%s' interrupted, left in processing", e.EventId, reg.ConsumerName))
		return Nack
	}
	if err != nil {
		return c.fail(ctx, e, meta, err)
	}

	if err := c.inbox.MarkProcessed(context.WithoutCancel(ctx), e.EventId, reg.ConsumerName, meta.Attempt); err != nil {
		if errors.Is(err, ErrClaimLost) {
			c.logClaimLost(e, meta)
			return Nack
		}
		c.logger.Error(fmt.Sprintf("when marking '%s' as processed for '%s'", e.EventId, reg.ConsumerName), err)
		return Nack
	}
	c.counters.Processed.Inc(1)
	c.rememberProcessed(ctx, e, reg)
	return Ack
}

// fail records a failed handler execution. Non-retryable errors and
// executions reaching the attempt ceiling are dead-lettered and acked.
func (c *Consumer) fail(ctx context.Context, e *Envelope, meta Metadata, cause error) Disposition {
	c.counters.HandlerFailures.Inc(1)
	dead := IsPermanent(cause) || meta.Attempt >= c.settings.MaxHandlerAttempts

	uctx := context.WithoutCancel(ctx)
	if err := c.inbox.MarkFailed(uctx, e.EventId, meta.ConsumerName, meta.Attempt, cause.Error(), dead); err != nil {
		if errors.Is(err, ErrClaimLost) {
			c.logClaimLost(e, meta)
			return Nack
		}
		c.logger.Error(fmt.Sprintf("when marking '%s' as failed for '%s'", e.EventId, meta.ConsumerName), err)
		return Nack
	}
	if dead {
		c.counters.DeadLettered.Inc(1)
		c.alerter.DeadLettered(uctx, incomingDeadLetter(e, meta.ConsumerName, meta.Attempt, cause.Error()))
		return Ack
	}

	c.logger.Warn(fmt.Sprintf("attempt %d of '%s' for '%s' failed: %s", meta.Attempt, e.EventId, meta.ConsumerName, cause))
	if c.settings.FailurePolicy == FailureAck {
		return Ack
	}
	return Nack
}

// logClaimLost reports an execution whose row was taken over by another
// worker. Its outcome is discarded and the redelivery resolves against the
// newer claim.
func (c *Consumer) logClaimLost(e *Envelope, meta Metadata) {
	c.logger.Warn(fmt.Sprintf("attempt %d of '%s' for '%s' was taken over, outcome discarded", meta.Attempt, e.EventId, meta.ConsumerName))
}

func (c *Consumer) rememberProcessed(ctx context.Context, e *Envelope, reg Registration) {
	if c.cache == nil {
		return
	}
	if err := c.cache.MarkProcessed(ctx, e.EventId, reg.ConsumerName); err != nil {
		c.logger.Warn(fmt.Sprintf("processed cache update failed: %s", err))
	}
}

// invoke runs the handler turning a panic into an error so the row never
// stays in processing.
func invoke(ctx context.Context, h Handler, msg any, meta Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, msg, meta)
}
